package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/plan"
)

// controlTable tracks the runs this process is actively driving.
type controlTable struct {
	mu      sync.Mutex
	handles map[string]*runHandle
}

func (t *controlTable) register(runID string) *runHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handles == nil {
		t.handles = map[string]*runHandle{}
	}
	h := &runHandle{resumeCh: make(chan struct{})}
	close(h.resumeCh)
	t.handles[runID] = h
	return h
}

func (t *controlTable) unregister(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, runID)
}

func (t *controlTable) lookup(runID string) *runHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[runID]
}

// runHandle is the in-process control block for one driven run. Pause
// quiesces at the next step boundary; cancel interrupts in-flight calls.
type runHandle struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	paused    bool
	resumeCh  chan struct{}
	cancelled bool
	progress  time.Time
}

func (h *runHandle) bind(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
}

// gate blocks while the run is paused. It is the scheduler's BeforeStep
// hook, so a paused run finishes in-flight steps and stops cleanly.
func (h *runHandle) gate(ctx context.Context) error {
	for {
		h.mu.Lock()
		paused := h.paused
		ch := h.resumeCh
		h.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (h *runHandle) setPaused(paused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused == paused {
		return
	}
	h.paused = paused
	if paused {
		h.resumeCh = make(chan struct{})
	} else {
		close(h.resumeCh)
	}
}

func (h *runHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *runHandle) markCancelled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *runHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *runHandle) touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = now
}

func (h *runHandle) lastProgress() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Pause asks an active run to stop scheduling new steps. In-flight steps
// finish and commit; the run stays resumable.
func (s *Supervisor) Pause(runID string) error {
	h := s.control.lookup(runID)
	if h == nil {
		return fmt.Errorf("run %s is not active in this process", runID)
	}
	h.setPaused(true)
	rl, err := s.Store.OpenRun(runID)
	if err != nil {
		return err
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventPause, Data: map[string]any{"by": "operator"}})
	s.setStatus(rl, ledger.RunPaused, "operator pause")
	log.WithFields(log.Fields{"run_id": runID}).Info("run pausing")
	return nil
}

// ResumePaused lifts an operator pause on an active run.
func (s *Supervisor) ResumePaused(runID string) error {
	h := s.control.lookup(runID)
	if h == nil {
		return fmt.Errorf("run %s is not active in this process", runID)
	}
	rl, err := s.Store.OpenRun(runID)
	if err != nil {
		return err
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventResume, Data: map[string]any{"by": "operator"}})
	s.setStatus(rl, ledger.RunRunning, "")
	h.setPaused(false)
	log.WithFields(log.Fields{"run_id": runID}).Info("run resumed")
	return nil
}

// Cancel interrupts an active run. In-flight backend calls are cancelled,
// partial work stays on disk for forensics, and the run is aborted.
func (s *Supervisor) Cancel(runID string) error {
	h := s.control.lookup(runID)
	if h == nil {
		return fmt.Errorf("run %s is not active in this process", runID)
	}
	h.markCancelled()
	h.setPaused(false)
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.WithFields(log.Fields{"run_id": runID}).Warn("run cancelled")
	return nil
}

// Resolve attaches an operator decision to a queued escalation and applies
// its side effects so a subsequent drive honors it. CONTINUE leaves the
// escalated step's checkpoint in place; LOOP, DETOUR, and INJECT_FLOW
// supersede the step so it re-runs; TERMINATE aborts the run.
func (s *Supervisor) Resolve(runID, key string, res ledger.Resolution) (*ledger.Escalation, error) {
	rl, err := s.Store.OpenRun(runID)
	if err != nil {
		return nil, err
	}
	if res.Decision == ledger.DecisionEscalate {
		return nil, fmt.Errorf("ESCALATE is not a resolution")
	}
	esc, err := rl.ResolveEscalation(key, res)
	if err != nil {
		return nil, err
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventEscalation, Flow: esc.Flow, StepID: esc.StepID, Data: map[string]any{
		"key":      key,
		"resolved": string(res.Decision),
		"target":   res.Target,
	}})

	switch res.Decision {
	case ledger.DecisionTerminate:
		s.setStatus(rl, ledger.RunAborted, "terminated by operator")
	case ledger.DecisionLoop, ledger.DecisionDetour, ledger.DecisionInjectFlow:
		if esc.StepID != "" {
			s.supersedeForRerun(rl, esc.Flow, esc.StepID)
		}
		s.setStatus(rl, ledger.RunPaused, "escalation resolved: "+string(res.Decision))
	default:
		s.setStatus(rl, ledger.RunPaused, "escalation resolved: continue")
	}
	log.WithFields(log.Fields{
		"run_id":   runID,
		"key":      key,
		"decision": res.Decision,
	}).Info("escalation resolved")
	return esc, nil
}

// supersedeForRerun moves the step's receipt and handoff aside so the next
// drive re-executes it. Missing artifacts are fine; the step may have
// escalated before committing.
func (s *Supervisor) supersedeForRerun(rl *ledger.RunLedger, flowName, stepID string) {
	flow := s.Plan.Flow(flowName)
	if flow == nil {
		return
	}
	step := flow.Step(stepID)
	if step == nil {
		return
	}
	agent := step.AgentKey
	if step.ResolvedKind() == plan.StepSkill {
		agent = "skill"
	}
	if rl.HasReceipt(flowName, stepID, agent) {
		if err := rl.SupersedeReceipt(flowName, stepID, agent); err != nil {
			log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("supersede receipt for rerun")
		}
	}
	if rl.HasHandoff(flowName, stepID, agent) {
		if err := rl.SupersedeHandoff(flowName, stepID, agent); err != nil {
			log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("supersede handoff for rerun")
		}
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventSuperseded, Flow: flowName, StepID: stepID, Data: map[string]any{"by": "escalation_resolution"}})
}

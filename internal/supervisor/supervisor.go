// Package supervisor drives runs end to end: it owns run creation and
// resume, walks flows in their fixed order through the scheduler, enforces
// the run-level budget, holds the escalation queue, and is the only
// component that moves a run to a terminal status.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/gate"
	"github.com/EffortlessMetrics/docket/internal/gitutil"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
	"github.com/EffortlessMetrics/docket/internal/plan"
	"github.com/EffortlessMetrics/docket/internal/reliability"
	"github.com/EffortlessMetrics/docket/internal/routing"
	"github.com/EffortlessMetrics/docket/internal/scheduler"
	"github.com/EffortlessMetrics/docket/internal/skill"
)

// ErrBoundary marks a run halted by a fatal boundary gate verdict.
var ErrBoundary = errors.New("boundary violation")

// maxInjectedFlows bounds INJECT_FLOW expansion so a reset loop cannot run
// the same flows forever.
const maxInjectedFlows = 3

// Supervisor owns every run under one ledger store. It is safe for
// concurrent use; each Drive call runs one run.
type Supervisor struct {
	Store   *ledger.Store
	Plan    *plan.Plan
	Backend backend.Backend
	Skills  *skill.Runner
	Clock   budget.Clock
	Catalog *routing.Catalog

	// WorkDir is the repository the run operates on; the boundary gate and
	// evidence binding read from it.
	WorkDir string

	// Workers is the per-flow parallelism bound handed to the scheduler.
	Workers int

	// Watchdog cancels a run after this much time without progress. Zero
	// disables the watchdog.
	Watchdog time.Duration

	// SandboxScopes are the ref globs where force-push is tolerated.
	SandboxScopes []string

	control controlTable
}

// NewRunID mints a sortable run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}

// Start creates the ledger for a new run. Driving it is a separate call so
// the server can answer the create request before the run finishes.
func (s *Supervisor) Start(spec ledger.RunSpec) (string, error) {
	if len(spec.Flows) == 0 {
		for _, f := range s.Plan.Flows {
			spec.Flows = append(spec.Flows, f.Name)
		}
	}
	for _, name := range spec.Flows {
		if s.Plan.Flow(name) == nil {
			return "", fmt.Errorf("run spec names unknown flow %q", name)
		}
	}
	runID := NewRunID()
	if _, err := s.Store.Create(runID, spec, s.Clock.Now()); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"run_id": runID, "flows": spec.Flows, "mode": spec.Mode}).Info("run created")
	return runID, nil
}

// Drive executes a run until a terminal or parked state. It is also the
// resume path: committed steps are skipped by the scheduler, and a step
// with a receipt but no handoff is retried from scratch.
func (s *Supervisor) Drive(ctx context.Context, runID string) (*ledger.RunMeta, error) {
	rl, err := s.Store.OpenRun(runID)
	if err != nil {
		return nil, err
	}
	meta, err := rl.Meta()
	if err != nil {
		return nil, err
	}
	if meta.Status.Terminal() {
		return meta, fmt.Errorf("run %s is %s and cannot be driven", runID, meta.Status)
	}
	resuming := meta.Status != ledger.RunPending

	if err := rl.WritePID(os.Getpid()); err != nil {
		return nil, fmt.Errorf("write run.pid: %w", err)
	}
	defer rl.ClearPID()

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	handle := s.control.register(runID)
	defer s.control.unregister(runID)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle.bind(cancel)
	handle.touch(s.Clock.Now())

	meter := budget.NewMeter(meta.Spec.BudgetUSD)
	if meta.CumulativeCost > 0 {
		if err := meter.Charge(meta.CumulativeCost, int(meta.Tokens.Prompt), int(meta.Tokens.Completion)); err != nil {
			return s.abortBudget(rl, meta.ActiveFlow, meter)
		}
	}

	rel := reliability.NewEngine(s.Clock)
	rel.Breakers.OnChange = func(target, from, to string) {
		if _, err := rl.AppendEvent(ledger.Event{Type: ledger.EventBreakerChange, Data: map[string]any{"target": target, "from": from, "to": to}}); err != nil {
			log.WithFields(log.Fields{"target": target, "error": err}).Warn("append breaker event")
		}
		if err := rl.WriteBreakers(rel.Breakers.Snapshots()); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("persist breaker snapshots")
		}
	}

	exec := backend.Subsume(s.Backend)
	sched := &scheduler.Scheduler{
		Ledger:      rl,
		Backend:     exec,
		Skills:      s.Skills,
		Reliability: rel,
		Router: routing.NewEngine(rl, s.Catalog, &backend.Advisor{
			B:   exec,
			Dir: filepath.Join(rl.Root(), "navigator"),
		}),
		Catalog:    s.Catalog,
		Meter:      meter,
		Clock:      s.Clock,
		Window:     errclass.NewSignatureWindow(8),
		WorkDir:    s.WorkDir,
		Workers:    s.Workers,
		BeforeStep: handle.gate,
		OnProgress: func() { handle.touch(s.Clock.Now()) },
	}

	if s.Watchdog > 0 {
		go s.watch(rctx, rl, handle, cancel)
	}

	s.setStatus(rl, ledger.RunRunning, "")
	eventType := ledger.EventRunStatus
	if resuming {
		eventType = ledger.EventResume
	}
	s.appendEvent(rl, ledger.Event{Type: eventType, Data: map[string]any{"status": string(ledger.RunRunning)}})

	queue := append([]string(nil), meta.Spec.Flows...)
	injected := 0
	for i := 0; i < len(queue); i++ {
		name := queue[i]
		flow := s.Plan.Flow(name)
		if flow == nil {
			return nil, fmt.Errorf("flow %q disappeared from the plan", name)
		}
		if _, err := rl.UpdateMeta(func(m *ledger.RunMeta) { m.ActiveFlow = name }); err != nil {
			return nil, err
		}

		result, err := sched.RunFlow(rctx, flow)
		s.recordSpend(rl, meter)
		if err != nil {
			switch {
			case errors.Is(err, budget.ErrBudgetExhausted):
				return s.abortBudget(rl, name, meter)
			case rctx.Err() != nil:
				return s.interrupted(rl, handle)
			default:
				return nil, err
			}
		}

		switch result.Status {
		case scheduler.FlowCompleted:
			// Next flow.
		case scheduler.FlowEscalated:
			return s.escalate(rl, name, result.StepID, result.Reason, nil)
		case scheduler.FlowTerminated:
			s.snapshotForensics(rl, name, "terminate", map[string]any{
				"step":   result.StepID,
				"reason": result.Reason,
			})
			s.appendEvent(rl, ledger.Event{Type: ledger.EventAbort, Flow: name, StepID: result.StepID, Data: map[string]any{"reason": result.Reason}})
			return s.setStatus(rl, ledger.RunAborted, result.Reason), nil
		case scheduler.FlowInjected:
			if s.Plan.Flow(result.Inject) == nil {
				return s.escalate(rl, name, result.StepID, fmt.Sprintf("injected flow %q is not declared", result.Inject), nil)
			}
			if injected >= maxInjectedFlows {
				return s.escalate(rl, name, result.StepID, "inject budget exhausted", nil)
			}
			injected++
			// Run the injected flow, then come back to this one.
			rest := append([]string{result.Inject, name}, queue[i+1:]...)
			queue = append(queue[:i], rest...)
			i--
		}
	}

	if err := s.boundary(rl, queue, meter); err != nil {
		meta, _ := rl.Meta()
		return meta, err
	}

	final := s.setStatus(rl, ledger.RunCompleted, "")
	s.appendEvent(rl, ledger.Event{Type: ledger.EventRunStatus, Data: map[string]any{"status": string(ledger.RunCompleted)}})
	log.WithFields(log.Fields{"run_id": runID, "cost_usd": final.CumulativeCost}).Info("run completed")
	return final, nil
}

// boundary holds the working tree diff against gate policy before the run
// is declared done. Outside a git work tree there is nothing to publish
// and nothing to hold.
func (s *Supervisor) boundary(rl *ledger.RunLedger, flows []string, meter *budget.Meter) error {
	if s.WorkDir == "" || !gitutil.IsRepo(s.WorkDir) {
		return nil
	}
	diff, err := gitutil.Diff(s.WorkDir, "HEAD")
	if err != nil {
		return fmt.Errorf("diff for boundary gate: %w", err)
	}
	head, err := gitutil.HeadSHA(s.WorkDir)
	if err != nil {
		return fmt.Errorf("resolve HEAD for boundary gate: %w", err)
	}

	var handoff *ledger.Handoff
	var receipt *ledger.Receipt
	if len(flows) > 0 {
		last := flows[len(flows)-1]
		if cp, err := rl.ReadLastCheckpoint(last); err == nil && cp != nil {
			receipt = cp.Receipt
			if cp.HandoffPresent {
				handoff, _ = rl.ReadHandoff(last, cp.StepID, cp.AgentKey)
			}
		}
	}

	verdict := gate.Inspect(gate.Input{
		Diff:          diff,
		Handoff:       handoff,
		Receipt:       receipt,
		HeadSHA:       head,
		SandboxScopes: s.SandboxScopes,
	})
	s.appendEvent(rl, ledger.Event{Type: ledger.EventGateVerdict, Data: map[string]any{
		"allowed": verdict.Allowed,
		"fatal":   verdict.Fatal,
		"reasons": verdict.Reasons,
		"notify":  verdict.Fatal,
	}})
	if verdict.Allowed {
		return nil
	}

	flow := ""
	if len(flows) > 0 {
		flow = flows[len(flows)-1]
	}
	reason := "boundary: " + strings.Join(verdict.Reasons, "; ")
	if verdict.Fatal {
		incident := uuid.NewString()
		s.snapshotForensics(rl, flow, incident, map[string]any{
			"reasons":  verdict.Reasons,
			"head_sha": head,
		})
		s.appendEvent(rl, ledger.Event{Type: ledger.EventIncident, Flow: flow, Data: map[string]any{"incident": incident}})
		s.escalate(rl, flow, "", reason, map[string]any{"incident": incident})
		return ErrBoundary
	}
	s.escalate(rl, flow, "", reason, nil)
	return nil
}

// escalate parks the run: escalation enqueued, status escalated, state
// preserved. The operator resolves it through the control surface.
func (s *Supervisor) escalate(rl *ledger.RunLedger, flow, stepID, reason string, details map[string]any) (*ledger.RunMeta, error) {
	key := uuid.NewString()
	if err := rl.WriteEscalation(&ledger.Escalation{
		Key:     key,
		Flow:    flow,
		StepID:  stepID,
		Reason:  reason,
		Details: details,
	}); err != nil {
		return nil, fmt.Errorf("enqueue escalation: %w", err)
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventEscalation, Flow: flow, StepID: stepID, Data: map[string]any{
		"key":    key,
		"reason": reason,
	}})
	log.WithFields(log.Fields{"run_id": rl.RunID(), "flow": flow, "step": stepID, "key": key, "reason": reason}).Warn("run escalated")
	return s.setStatus(rl, ledger.RunEscalated, reason), nil
}

// abortBudget implements the budget stop: the offending step was never
// committed; what exists on disk is snapshotted and the run aborts.
func (s *Supervisor) abortBudget(rl *ledger.RunLedger, flow string, meter *budget.Meter) (*ledger.RunMeta, error) {
	spent, _, _ := meter.Snapshot()
	s.snapshotForensics(rl, flow, "budget_exhausted", map[string]any{
		"spent_usd": spent,
		"cap_usd":   meter.Cap(),
	})
	s.appendEvent(rl, ledger.Event{Type: ledger.EventBudgetExceeded, Flow: flow, Data: map[string]any{
		"spent_usd": spent,
		"cap_usd":   meter.Cap(),
	}})
	meta := s.setStatus(rl, ledger.RunAborted, "budget_exhausted")
	return meta, fmt.Errorf("run %s: %w", rl.RunID(), budget.ErrBudgetExhausted)
}

// interrupted handles cooperative cancellation. A cancel through the
// control surface is an abort; anything else (signal, parent context)
// leaves the run resumable.
func (s *Supervisor) interrupted(rl *ledger.RunLedger, handle *runHandle) (*ledger.RunMeta, error) {
	if handle.wasCancelled() {
		s.appendEvent(rl, ledger.Event{Type: ledger.EventAbort, Data: map[string]any{"reason": "cancelled"}})
		return s.setStatus(rl, ledger.RunAborted, "cancelled"), nil
	}
	s.appendEvent(rl, ledger.Event{Type: ledger.EventPause, Data: map[string]any{"reason": "interrupted"}})
	return s.setStatus(rl, ledger.RunPaused, "interrupted"), nil
}

// watch cancels the run when no step commits for the watchdog window.
func (s *Supervisor) watch(ctx context.Context, rl *ledger.RunLedger, handle *runHandle, cancel context.CancelFunc) {
	interval := s.Watchdog / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if handle.isPaused() {
				continue
			}
			idle := s.Clock.Now().Sub(handle.lastProgress())
			if idle < s.Watchdog {
				continue
			}
			log.WithFields(log.Fields{"run_id": rl.RunID(), "idle": idle}).Error("stall watchdog firing")
			s.appendEvent(rl, ledger.Event{Type: ledger.EventAbort, Data: map[string]any{
				"reason":  "stalled",
				"idle_ms": idle.Milliseconds(),
			}})
			handle.markCancelled()
			cancel()
			return
		}
	}
}

// recordSpend mirrors the meter into the run manifest. Spend is recorded
// as incurred, so on a budget abort CumulativeCost can land above the cap:
// the overage belongs to the call that tripped the meter, whose step never
// commits a receipt.
func (s *Supervisor) recordSpend(rl *ledger.RunLedger, meter *budget.Meter) {
	spent, in, out := meter.Snapshot()
	if _, err := rl.UpdateMeta(func(m *ledger.RunMeta) {
		m.CumulativeCost = spent
		m.Tokens = ledger.TokenCount{Prompt: int(in), Completion: int(out), Total: int(in + out)}
	}); err != nil {
		log.WithFields(log.Fields{"run_id": rl.RunID(), "error": err}).Warn("record spend")
	}
}

func (s *Supervisor) setStatus(rl *ledger.RunLedger, status ledger.RunStatus, reason string) *ledger.RunMeta {
	meta, err := rl.UpdateMeta(func(m *ledger.RunMeta) {
		m.Status = status
		m.StatusReason = reason
	})
	if err != nil {
		log.WithFields(log.Fields{"run_id": rl.RunID(), "status": status, "error": err}).Error("update run status")
		return &ledger.RunMeta{RunID: rl.RunID(), Status: status, StatusReason: reason}
	}
	return meta
}

func (s *Supervisor) appendEvent(rl *ledger.RunLedger, ev ledger.Event) {
	if _, err := rl.AppendEvent(ev); err != nil {
		log.WithFields(log.Fields{"run_id": rl.RunID(), "type": ev.Type, "error": err}).Warn("append event")
	}
}

// snapshotForensics captures run state under the flow's incident directory.
func (s *Supervisor) snapshotForensics(rl *ledger.RunLedger, flow, incident string, extra map[string]any) {
	if flow == "" {
		flow = "_run"
	}
	snapshot := map[string]any{"run_id": rl.RunID()}
	if meta, err := rl.Meta(); err == nil {
		snapshot["meta"] = meta
	}
	if breakers, err := rl.ReadBreakers(); err == nil && len(breakers) > 0 {
		snapshot["breakers"] = breakers
	}
	for k, v := range extra {
		snapshot[k] = v
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if _, err := rl.WriteForensics(flow, incident, "state.json", append(data, '\n')); err != nil {
		log.WithFields(log.Fields{"run_id": rl.RunID(), "incident": incident, "error": err}).Warn("write forensics")
	}
}

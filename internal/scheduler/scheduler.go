// Package scheduler walks one flow's step graph. Steps run in dependency
// order; independent branches may run in parallel only when their declared
// write sets are disjoint. Every step goes through the same lifecycle:
// WORK, FINALIZE, ROUTE, then advance per the routing decision. The
// checkpoint order receipt, handoff, routing decision is fixed; a crash
// between stages is recovered by inspecting which artifacts exist.
package scheduler

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/plan"
	"github.com/EffortlessMetrics/docket/internal/reliability"
	"github.com/EffortlessMetrics/docket/internal/routing"
	"github.com/EffortlessMetrics/docket/internal/skill"
)

// FlowStatus is how a flow run ended from the supervisor's point of view.
type FlowStatus string

const (
	FlowCompleted  FlowStatus = "completed"
	FlowEscalated  FlowStatus = "escalated"
	FlowTerminated FlowStatus = "terminated"
	FlowInjected   FlowStatus = "injected"
)

// FlowResult is the scheduler's verdict for one flow.
type FlowResult struct {
	Status FlowStatus
	StepID string
	Reason string
	// Inject names the flow to run when Status is FlowInjected.
	Inject string
}

// Scheduler executes one flow at a time over a shared kernel. All fields
// are required except WorkDir, Workers, and the supervisor hooks.
type Scheduler struct {
	Ledger      *ledger.RunLedger
	Backend     backend.Backend
	Skills      *skill.Runner
	Reliability *reliability.Engine
	Router      *routing.Engine
	Catalog     *routing.Catalog
	Meter       *budget.Meter
	Clock       budget.Clock
	Window      *errclass.SignatureWindow

	// WorkDir is where skills and detours execute; evidence binding reads
	// the commit SHA from here when it is a git work tree.
	WorkDir string

	// Workers bounds parallel dispatch across disjoint branches. Zero or
	// one serializes the flow.
	Workers int

	// BeforeStep is the supervisor's quiesce hook, consulted before every
	// step start. It blocks while the run is paused and returns an error
	// when the run is cancelled.
	BeforeStep func(ctx context.Context) error

	// OnProgress feeds the supervisor's stall watchdog.
	OnProgress func()
}

type stepOutcome struct {
	step  *plan.Step
	route routing.Result
	err   error
}

// RunFlow walks the flow to completion or to a decision the supervisor must
// handle. Steps already checkpointed in the ledger are skipped, which makes
// RunFlow the resume path as well as the fresh path.
func (s *Scheduler) RunFlow(ctx context.Context, flow *plan.Flow) (FlowResult, error) {
	fctx, cancel := budget.WithScope(ctx, budget.ScopeFlow, 0)
	defer cancel()

	order, err := flow.TopoOrder()
	if err != nil {
		return FlowResult{}, err
	}

	done := map[string]bool{}
	running := map[string]*plan.Step{}
	results := make(chan stepOutcome)
	var verdict *FlowResult
	var firstErr error

	for {
		if verdict == nil && firstErr == nil {
			for _, id := range order {
				step := flow.Step(id)
				if done[id] || running[id] != nil || !depsDone(step, done) {
					continue
				}
				if s.checkpointed(flow.Name, step) {
					done[id] = true
					continue
				}
				if conflictsWithRunning(step, running) {
					continue
				}
				if s.Workers > 1 && len(running) >= s.Workers {
					break
				}
				running[id] = step
				go func(st *plan.Step) {
					results <- s.runStep(fctx, flow, st, nextInOrder(order, st.ID))
				}(step)
				if s.Workers <= 1 {
					break
				}
			}
		}

		if len(running) == 0 {
			break
		}

		out := <-results
		delete(running, out.step.ID)
		done[out.step.ID] = true

		switch {
		case out.err != nil:
			if firstErr == nil {
				firstErr = out.err
			}
		case out.route.Decision == ledger.DecisionContinue:
			// Advance; the dispatch loop picks up the successors.
		case out.route.Decision == ledger.DecisionEscalate:
			if verdict == nil {
				verdict = &FlowResult{Status: FlowEscalated, StepID: out.step.ID, Reason: out.route.Reason}
			}
		case out.route.Decision == ledger.DecisionTerminate:
			if verdict == nil {
				verdict = &FlowResult{Status: FlowTerminated, StepID: out.step.ID, Reason: out.route.Reason}
			}
		case out.route.Decision == ledger.DecisionInjectFlow:
			if verdict == nil {
				verdict = &FlowResult{Status: FlowInjected, StepID: out.step.ID, Reason: out.route.Reason, Inject: out.route.Target}
			}
		default:
			// LOOP and DETOUR are consumed inside runStep; anything else
			// landing here is a routing defect worth an operator's eyes.
			if verdict == nil {
				verdict = &FlowResult{Status: FlowEscalated, StepID: out.step.ID, Reason: fmt.Sprintf("unhandled decision %s", out.route.Decision)}
			}
		}
	}

	if firstErr != nil {
		return FlowResult{}, firstErr
	}
	if verdict != nil {
		log.WithFields(log.Fields{
			"flow":   flow.Name,
			"status": verdict.Status,
			"step":   verdict.StepID,
			"reason": verdict.Reason,
		}).Info("flow stopped on decision")
		return *verdict, nil
	}
	return FlowResult{Status: FlowCompleted}, nil
}

// checkpointed reports whether the step is fully committed: receipt,
// handoff, and routing decision all present. A receipt without a handoff is
// an incomplete step; it is superseded here so the caller retries it from
// scratch with the partial artifacts preserved on disk.
func (s *Scheduler) checkpointed(flowName string, step *plan.Step) bool {
	agent := agentKeyFor(step)
	if !s.Ledger.HasReceipt(flowName, step.ID, agent) {
		return false
	}
	if !s.Ledger.HasHandoff(flowName, step.ID, agent) {
		if err := s.Ledger.SupersedeReceipt(flowName, step.ID, agent); err != nil {
			log.WithFields(log.Fields{"flow": flowName, "step": step.ID, "error": err}).Warn("supersede incomplete receipt")
		}
		return false
	}
	return hasDecisionFor(s.Ledger, flowName, step.ID)
}

func hasDecisionFor(rl *ledger.RunLedger, flowName, stepID string) bool {
	decisions, err := rl.ReadDecisions(flowName)
	if err != nil {
		return false
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].FromStep == stepID {
			return true
		}
	}
	return false
}

func depsDone(step *plan.Step, done map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// conflictsWithRunning reports whether the step's declared writes overlap
// any in-flight step's writes. Steps with no declared writes are treated as
// writing nothing and may always run.
func conflictsWithRunning(step *plan.Step, running map[string]*plan.Step) bool {
	for _, other := range running {
		if writesOverlap(step.Writes, other.Writes) {
			return true
		}
	}
	return false
}

func writesOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			if ok, err := doublestar.Match(pa, pb); err == nil && ok {
				return true
			}
			if ok, err := doublestar.Match(pb, pa); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func nextInOrder(order []string, id string) string {
	for i, cur := range order {
		if cur == id && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

func agentKeyFor(step *plan.Step) string {
	if step.ResolvedKind() == plan.StepSkill {
		return "skill"
	}
	return step.AgentKey
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/contextpack"
	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/gitutil"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
	"github.com/EffortlessMetrics/docket/internal/microloop"
	"github.com/EffortlessMetrics/docket/internal/plan"
	"github.com/EffortlessMetrics/docket/internal/reliability"
	"github.com/EffortlessMetrics/docket/internal/routing"
	"github.com/EffortlessMetrics/docket/internal/skill"
)

// maxStepReruns bounds LOOP and DETOUR re-executions of one step. The
// router bounds detour attempts itself; this is the backstop.
const maxStepReruns = 4

// execResult is the internal account of one step execution before commit.
type execResult struct {
	status   ledger.StepStatus
	engine   string
	handoff  *ledger.Handoff
	tokens   ledger.TokenCount
	cost     float64
	exitCode *int
	evidence []string
	overflow []string
	attempts int
	retries  []reliability.RetryEvent
	failure  *errclass.Classified
	sigCount int
	err      error
}

// classifiedError carries a classification out of the microloop closures.
type classifiedError struct {
	cls *errclass.Classified
}

func (e *classifiedError) Error() string { return e.cls.Reason }

// runStep drives one step through WORK, FINALIZE, ROUTE, and the decision
// handlers. LOOP and DETOUR re-execute the step in place; every other
// decision returns to the flow walker.
func (s *Scheduler) runStep(ctx context.Context, flow *plan.Flow, step *plan.Step, nextStep string) stepOutcome {
	agent := agentKeyFor(step)

	for rerun := 0; ; rerun++ {
		if s.BeforeStep != nil {
			if err := s.BeforeStep(ctx); err != nil {
				return stepOutcome{step: step, err: err}
			}
		}

		exec, receipt, handoff, loop, err := s.executeOnce(ctx, flow, step)
		if err != nil {
			return stepOutcome{step: step, err: err}
		}

		route, err := s.route(ctx, flow.Name, step, agent, nextStep, receipt, handoff, exec, loop)
		if err != nil {
			return stepOutcome{step: step, err: err}
		}
		s.event(flow.Name, step.ID, ledger.EventRouteDecision, map[string]any{
			"decision": string(route.Decision),
			"target":   route.Target,
			"reason":   route.Reason,
		})
		s.progress()

		if route.Decision != ledger.DecisionLoop && route.Decision != ledger.DecisionDetour {
			return stepOutcome{step: step, route: route}
		}
		if rerun >= maxStepReruns {
			return stepOutcome{step: step, route: routing.Result{
				Decision: ledger.DecisionEscalate,
				Reason:   "step rerun budget exhausted",
				Source:   ledger.SourcePolicy,
			}}
		}
		if route.Decision == ledger.DecisionDetour {
			s.runDetour(ctx, flow, step, route.Target, rerun)
		}
		s.supersedeStep(flow.Name, step.ID, agent)
	}
}

// executeOnce performs WORK and FINALIZE for one attempt and commits the
// receipt and handoff. Already-committed artifacts from a crashed process
// are read back instead of re-executed.
func (s *Scheduler) executeOnce(ctx context.Context, flow *plan.Flow, step *plan.Step) (*execResult, *ledger.Receipt, *ledger.Handoff, *microloop.Outcome, error) {
	agent := agentKeyFor(step)
	flowName := flow.Name

	if s.Ledger.HasReceipt(flowName, step.ID, agent) && s.Ledger.HasHandoff(flowName, step.ID, agent) {
		r, rerr := s.Ledger.ReadReceipt(flowName, step.ID, agent)
		h, herr := s.Ledger.ReadHandoff(flowName, step.ID, agent)
		if rerr == nil && herr == nil {
			return &execResult{status: r.Status}, r, h, nil, nil
		}
		// Quarantined artifacts read as missing; fall through and re-run.
	}

	started := s.Clock.Now()
	s.event(flowName, step.ID, ledger.EventStepStart, map[string]any{"agent": agent})
	s.stepLog(flowName, step.ID, map[string]any{"event": "start", "agent": agent, "kind": string(step.ResolvedKind())})

	sctx, cancel := budget.WithScope(ctx, budget.ScopeStep, step.Timeout.Std())
	defer cancel()
	stopWatch := budget.SoftWatch(sctx, budget.ScopeStep, func() {
		s.stepLog(flowName, step.ID, map[string]any{"event": "soft_timeout_warning"})
	})
	defer stopWatch()

	var exec *execResult
	var loop *microloop.Outcome
	switch {
	case step.ResolvedKind() == plan.StepSkill:
		exec = s.runSkill(sctx, flowName, step)
	case step.Microloop != nil:
		exec, loop = s.runLoop(sctx, flow, step)
		if loop != nil {
			s.event(flowName, step.ID, ledger.EventMicroloopExit, map[string]any{
				"exit":       string(loop.Exit),
				"iterations": loop.Iterations,
			})
		}
	default:
		exec = s.runAgent(sctx, flow, step)
	}
	completed := s.Clock.Now()

	for _, ev := range exec.retries {
		s.stepLog(flowName, step.ID, map[string]any{
			"event":       "retry",
			"category":    ev.Category,
			"reason":      ev.Reason,
			"retry_count": ev.Attempt,
			"delay_ms":    ev.DelayMS,
		})
	}

	if exec.err != nil {
		if errors.Is(exec.err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The step scope expired while the run lives on: a timeout, not
			// an interruption. Classify and route it like any failure.
			cls := errclass.Classify(errclass.Input{Err: exec.err, Target: step.ID})
			exec.status = ledger.StepTimeout
			exec.failure = &cls
			exec.err = nil
			s.event(flowName, step.ID, ledger.EventTimeout, map[string]any{"scope": "step"})
		} else {
			if ctx.Err() != nil && outputStarted(s.Ledger.Layout().StepWorkDir(flowName, step.ID)) {
				interrupted := &ledger.Receipt{
					StepID:      step.ID,
					AgentKey:    agent,
					Engine:      exec.engine,
					Status:      ledger.StepInterrupted,
					StartedAt:   started.UTC(),
					CompletedAt: completed.UTC(),
					DurationMS:  completed.Sub(started).Milliseconds(),
				}
				if err := s.Ledger.WriteReceipt(flowName, interrupted); err != nil && !errors.Is(err, ledger.ErrAlreadyCommitted) {
					log.WithFields(log.Fields{"flow": flowName, "step": step.ID, "error": err}).Warn("write interrupted receipt")
				}
			}
			return nil, nil, nil, nil, exec.err
		}
	}

	key := flowName + "/" + step.ID
	if exec.failure != nil {
		exec.sigCount = s.Window.Observe(key, exec.failure.Signature)
	} else if exec.status == ledger.StepSucceeded {
		s.Window.Reset(key)
	}

	receipt, handoff, err := s.commit(flowName, step, agent, started, completed, exec)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return exec, receipt, handoff, loop, nil
}

// commit persists the receipt, then the handoff, in that order. The routing
// decision follows in route(); nothing advances before all three exist.
func (s *Scheduler) commit(flowName string, step *plan.Step, agent string, started, completed time.Time, exec *execResult) (*ledger.Receipt, *ledger.Handoff, error) {
	receipt := &ledger.Receipt{
		StepID:         step.ID,
		AgentKey:       agent,
		Engine:         exec.engine,
		Mode:           s.Backend.Name(),
		Attempt:        exec.attempts,
		Status:         exec.status,
		StartedAt:      started.UTC(),
		CompletedAt:    completed.UTC(),
		DurationMS:     completed.Sub(started).Milliseconds(),
		Tokens:         exec.tokens,
		CostUSD:        exec.cost,
		ExitCode:       exec.exitCode,
		CommitSHA:      s.headSHA(),
		Evidence:       exec.evidence,
		ACIDs:          step.ACIDs,
		BudgetOverflow: exec.overflow,
	}
	if exec.failure != nil {
		receipt.Failure = &ledger.Failure{
			Class:     exec.failure.Category.String(),
			Signature: exec.failure.Signature,
			Reason:    exec.failure.Reason,
		}
	}
	if err := s.Ledger.WriteReceipt(flowName, receipt); err != nil {
		if !errors.Is(err, ledger.ErrAlreadyCommitted) {
			return nil, nil, fmt.Errorf("commit receipt %s/%s: %w", flowName, step.ID, err)
		}
		if existing, rerr := s.Ledger.ReadReceipt(flowName, step.ID, agent); rerr == nil {
			receipt = existing
		}
	}

	var handoff *ledger.Handoff
	if exec.handoff != nil {
		handoff = exec.handoff
		handoff.Meta = ledger.HandoffMeta{StepID: step.ID, AgentKey: agent}
		if handoff.CreatedAt.IsZero() {
			handoff.CreatedAt = completed.UTC()
		}
		if err := s.Ledger.WriteHandoff(flowName, handoff); err != nil {
			if !errors.Is(err, ledger.ErrAlreadyCommitted) {
				return nil, nil, fmt.Errorf("commit handoff %s/%s: %w", flowName, step.ID, err)
			}
			if existing, herr := s.Ledger.ReadHandoff(flowName, step.ID, agent); herr == nil {
				handoff = existing
			}
		}
	}

	s.event(flowName, step.ID, ledger.EventStepFinalized, map[string]any{
		"status":   string(exec.status),
		"cost_usd": exec.cost,
	})
	s.stepLog(flowName, step.ID, map[string]any{
		"event":       "finalized",
		"status":      string(exec.status),
		"attempts":    exec.attempts,
		"duration_ms": receipt.DurationMS,
	})
	if err := s.Ledger.WriteCursor(flowName, step.ID); err != nil {
		log.WithFields(log.Fields{"flow": flowName, "step": step.ID, "error": err}).Warn("write cursor")
	}
	metrics.StepOutcomes.WithLabelValues(flowName, string(exec.status)).Inc()
	metrics.StepDuration.WithLabelValues(flowName).Observe(completed.Sub(started).Seconds())
	return receipt, handoff, nil
}

// route builds the routing query from physics and persisted artifacts only
// and asks the router for the next move.
func (s *Scheduler) route(ctx context.Context, flowName string, step *plan.Step, agent, nextStep string, receipt *ledger.Receipt, handoff *ledger.Handoff, exec *execResult, loop *microloop.Outcome) (routing.Result, error) {
	q := routing.Query{
		Flow:     flowName,
		StepID:   step.ID,
		AgentKey: agent,
		Receipt:  receipt,
		Handoff:  handoff,
		NextStep: nextStep,
	}
	q.Forensics = routing.Forensics{
		Step:       step.ID,
		Agent:      agent,
		LastStatus: string(receipt.Status),
	}

	if loop != nil {
		q.InLoop = true
		q.LoopIter = loop.Iterations
		q.MaxIter = maxIterFor(step)
		q.Forensics.Iteration = loop.Iterations
		if loop.Exit == microloop.ExitRepeatSignature {
			// A repeating critic signature means more looping cannot help;
			// strip the iteration hint so detour matching decides instead.
			q.Signature = loop.Signature
			q.SignatureCount = 2
			if handoff != nil {
				stripped := *handoff
				stripped.Routing.CanFurtherIterationHelp = nil
				q.Handoff = &stripped
			}
		}
	}

	if exec.failure != nil {
		q.Signature = exec.failure.Signature
		q.SignatureCount = exec.sigCount
		q.Forensics.Signature = exec.failure.Signature
		if exec.failure.Category == errclass.Fatal {
			q.Fatal = true
			q.FailReason = exec.failure.Reason
		}
		if s.WorkDir != "" && gitutil.IsRepo(s.WorkDir) {
			if shape, err := gitutil.ShapeOf(s.WorkDir, "HEAD"); err == nil {
				q.Forensics.DiffFiles = shape.Files
				q.Forensics.DiffLines = shape.Lines
			}
		}
	}

	return s.Router.Route(ctx, q)
}

// runSkill executes a deterministic tool step. A non-zero exit is a routed
// failure, not a kernel error.
func (s *Scheduler) runSkill(ctx context.Context, flowName string, step *plan.Step) *execResult {
	outDir := s.Ledger.Layout().StepWorkDir(flowName, step.ID)
	res, err := s.Skills.Run(ctx, skill.Invocation{
		Key:     step.ID,
		Command: step.Run,
		Dir:     s.WorkDir,
		OutDir:  outDir,
		Timeout: step.Timeout.Std(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return &execResult{engine: "skill", attempts: 1, err: ctx.Err()}
		}
		cls := errclass.Classify(errclass.Input{Err: err, Target: step.ID})
		return &execResult{status: ledger.StepFailed, engine: "skill", attempts: 1, failure: &cls}
	}

	code := res.ExitCode
	out := &execResult{
		engine:   "skill",
		attempts: 1,
		exitCode: &code,
		evidence: []string{res.StdoutPath, res.StderrPath},
	}
	switch {
	case res.TimedOut:
		out.status = ledger.StepTimeout
	case code == 0:
		out.status = ledger.StepSucceeded
	default:
		out.status = ledger.StepFailed
	}
	if code == 0 {
		out.handoff = &ledger.Handoff{
			Status: ledger.HandoffVerified,
			Summary: ledger.HandoffSummary{
				WhatIDid: "ran " + step.Run,
				Evidence: map[string]string{"exit 0": res.StdoutPath},
			},
		}
	} else {
		cls := errclass.Classify(errclass.Input{
			ExitCode: code,
			HasExit:  true,
			Target:   step.ID,
			Message:  fmt.Sprintf("%s exited %d", step.Run, code),
		})
		out.failure = &cls
	}
	return out
}

// runAgent executes a plain agent step: one packed prompt, one reliable
// call, one validated handoff.
func (s *Scheduler) runAgent(ctx context.Context, flow *plan.Flow, step *plan.Step) *execResult {
	outDir := s.Ledger.Layout().StepWorkDir(flow.Name, step.ID)
	call, cls, err := s.callAgent(ctx, flow, step, step.AgentKey, string(step.ResolvedTier()), outDir, s.stepItems(flow, step))

	out := &execResult{engine: s.Backend.Name()}
	if call != nil {
		out.attempts = call.attempts
		out.retries = call.retries
		out.overflow = call.overflow
	}
	if err != nil {
		out.err = err
		return out
	}
	if cls != nil {
		out.status = failedStatus(cls)
		out.failure = cls
		return out
	}
	out.status = call.res.Status
	out.engine = call.res.Engine
	out.handoff = call.handoff
	out.tokens = call.res.Tokens
	out.cost = call.res.CostUSD
	out.exitCode = call.res.ExitCode
	if call.res.OutputTextPath != "" {
		out.evidence = []string{call.res.OutputTextPath}
	}
	return out
}

// runLoop glues the backend into the micro-loop controller: the step's
// agent authors, the declared critic judges, and only minimized envelopes
// cross iterations.
func (s *Scheduler) runLoop(ctx context.Context, flow *plan.Flow, step *plan.Step) (*execResult, *microloop.Outcome) {
	workDir := s.Ledger.Layout().StepWorkDir(flow.Name, step.ID)
	exec := &execResult{engine: s.Backend.Name()}

	accumulate := func(call *callResult) {
		if call == nil {
			return
		}
		exec.attempts += call.attempts
		exec.retries = append(exec.retries, call.retries...)
		exec.overflow = append(exec.overflow, call.overflow...)
		if call.res != nil {
			exec.cost += call.res.CostUSD
			exec.tokens.Prompt += call.res.Tokens.Prompt
			exec.tokens.Completion += call.res.Tokens.Completion
			exec.tokens.Total += call.res.Tokens.Total
			if call.res.OutputTextPath != "" {
				exec.evidence = append(exec.evidence, call.res.OutputTextPath)
			}
		}
	}

	work := func(wctx context.Context, iter int, feedback *ledger.Handoff) (*ledger.Handoff, error) {
		items := s.stepItems(flow, step)
		if feedback != nil {
			items = append(items, contextpack.Item{
				Class:   contextpack.High,
				Label:   "critic feedback",
				Content: envelopeJSON(feedback),
			})
		}
		call, cls, err := s.callAgent(wctx, flow, step, step.AgentKey, string(step.ResolvedTier()), filepath.Join(workDir, fmt.Sprintf("iter-%d", iter)), items)
		accumulate(call)
		if err != nil {
			return nil, err
		}
		if cls != nil {
			return nil, &classifiedError{cls: cls}
		}
		return call.handoff, nil
	}

	critique := func(cctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
		items := []contextpack.Item{
			{Class: contextpack.Critical, Label: "goal", Content: flowGoal(flow)},
			{Class: contextpack.Critical, Label: "review", Content: "Critique the work below against the goal. Verify claims against evidence, not narrative."},
			{Class: contextpack.Critical, Label: "authored handoff", Content: envelopeJSON(authored)},
		}
		criticStep := *step
		criticStep.Tier = plan.TierCritic
		call, cls, err := s.callAgent(cctx, flow, &criticStep, step.Microloop.Critic, string(plan.TierCritic), filepath.Join(workDir, fmt.Sprintf("critic-%d", iter)), items)
		accumulate(call)
		if err != nil {
			return nil, err
		}
		if cls != nil {
			return nil, &classifiedError{cls: cls}
		}
		return call.handoff, nil
	}

	out, err := microloop.Run(ctx, microloop.Spec{
		StepID:    step.ID,
		CriticKey: step.Microloop.Critic,
		MaxIter:   maxIterFor(step),
	}, work, critique)
	if err != nil {
		var ce *classifiedError
		if errors.As(err, &ce) && ctx.Err() == nil && !errors.Is(err, budget.ErrBudgetExhausted) {
			exec.status = failedStatus(ce.cls)
			exec.failure = ce.cls
			return exec, nil
		}
		exec.err = err
		return exec, nil
	}

	exec.status = ledger.StepSucceeded
	exec.handoff = out.Final
	return exec, &out
}

type callResult struct {
	res      *backend.StepResult
	handoff  *ledger.Handoff
	overflow []string
	attempts int
	retries  []reliability.RetryEvent
}

// callAgent performs one reliable backend call: pack the context, execute
// under the call scope with retry policy, validate the structured handoff,
// and charge the meter with what the call actually cost.
//
// Returns (call, classification, error): a non-nil classification is a
// routed failure; a non-nil error is terminal for the step (budget
// exhaustion or cancellation).
func (s *Scheduler) callAgent(ctx context.Context, flow *plan.Flow, step *plan.Step, agentKey, tier, outDir string, items []contextpack.Item) (*callResult, *errclass.Classified, error) {
	budgets := contextpack.BudgetFor(step)
	packed, overflow, err := contextpack.Pack(items, budgets)
	if err != nil {
		cls := errclass.Classified{
			Category:  errclass.Permanent,
			Reason:    "context_overflow",
			Target:    step.ID,
			Signature: errclass.Signature("context_overflow", step.ID, err.Error()),
		}
		return &callResult{overflow: overflow}, &cls, nil
	}

	spec := backend.StepSpec{
		RunID:    s.Ledger.RunID(),
		Flow:     flow.Name,
		StepID:   step.ID,
		AgentKey: agentKey,
		Tier:     tier,
		OutDir:   outDir,
	}
	pack := backend.PromptPack{
		Prompt:          packed,
		MaxOutputTokens: budgets.MaxOutputTokens,
	}

	target := s.Backend.Name()
	seed := fmt.Sprintf("%s/%s/%s/%s", s.Ledger.RunID(), flow.Name, step.ID, agentKey)
	var res *backend.StepResult
	var handoff *ledger.Handoff
	relOut, err := s.Reliability.Do(ctx, target, seed, budget.ScopeCall, func(cctx context.Context) error {
		if err := s.Meter.Check(); err != nil {
			return err
		}
		r, execErr := s.Backend.Execute(cctx, spec, pack)
		if execErr != nil {
			return execErr
		}
		if len(r.Structured) == 0 {
			return &backend.CallError{Engine: target, Message: "empty response: no structured handoff", Hint: "retriable"}
		}
		if verr := ledger.ValidateHandoffJSON(r.Structured); verr != nil {
			return &backend.CallError{Engine: target, Message: "schema validation failed: " + verr.Error(), Hint: "retriable"}
		}
		h, perr := backend.ParseHandoff(r.Structured)
		if perr != nil {
			return perr
		}
		res, handoff = r, h
		return nil
	})

	call := &callResult{overflow: overflow, attempts: relOut.Attempts, retries: relOut.Retries}
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExhausted) || ctx.Err() != nil {
			return call, relOut.Classified, err
		}
		cls := relOut.Classified
		if cls == nil {
			fallback := errclass.Classify(errclass.Input{Err: err, Target: target})
			cls = &fallback
		}
		return call, cls, nil
	}

	// A charge that lands past the cap means this result never commits.
	if cerr := s.Meter.Charge(res.CostUSD, res.Tokens.Prompt, res.Tokens.Completion); cerr != nil {
		return call, nil, fmt.Errorf("step %s/%s: %w", flow.Name, step.ID, cerr)
	}
	metrics.SpendUSD.WithLabelValues(s.Ledger.RunID()).Add(res.CostUSD)

	for _, rec := range res.Transcript {
		if terr := s.Ledger.AppendTranscript(flow.Name, step.ID, agentKey, res.Engine, rec); terr != nil {
			log.WithFields(log.Fields{"step": step.ID, "error": terr}).Warn("append transcript")
		}
	}

	call.res, call.handoff = res, handoff
	return call, nil, nil
}

// runDetour executes the remediation the router picked. Detour failures are
// not fatal here; the re-run of the step either recovers or the router's
// attempt bound escalates.
func (s *Scheduler) runDetour(ctx context.Context, flow *plan.Flow, step *plan.Step, target string, attempt int) {
	entry := s.Catalog.ByTarget(target)
	if entry == nil {
		log.WithFields(log.Fields{"step": step.ID, "target": target}).Warn("detour target not in catalog")
		return
	}
	outDir := filepath.Join(s.Ledger.Layout().StepWorkDir(flow.Name, step.ID), fmt.Sprintf("detour-%d", attempt+1))

	if entry.Skill != "" {
		res, err := s.Skills.Run(ctx, skill.Invocation{
			Key:     entry.Skill,
			Command: entry.Command(),
			Dir:     s.WorkDir,
			OutDir:  outDir,
		})
		record := map[string]any{"event": "detour", "target": target, "kind": "skill"}
		if err != nil {
			record["error"] = err.Error()
		} else {
			record["exit_code"] = res.ExitCode
		}
		s.stepLog(flow.Name, step.ID, record)
		return
	}

	items := []contextpack.Item{
		{Class: contextpack.Critical, Label: "goal", Content: flowGoal(flow)},
		{Class: contextpack.Critical, Label: "task", Content: fmt.Sprintf("Remediate the repeated failure on step %s before it runs again.", step.ID)},
	}
	_, cls, err := s.callAgent(ctx, flow, step, entry.Agent, string(plan.TierImplementer), outDir, items)
	record := map[string]any{"event": "detour", "target": target, "kind": "agent"}
	if err != nil {
		record["error"] = err.Error()
	} else if cls != nil {
		record["failure"] = cls.Reason
	}
	s.stepLog(flow.Name, step.ID, record)
}

// stepItems assembles the packed context for an authoring call: the flow's
// intent, the step's task, upstream handoffs, and the recent route history.
func (s *Scheduler) stepItems(flow *plan.Flow, step *plan.Step) []contextpack.Item {
	items := []contextpack.Item{
		{Class: contextpack.Critical, Label: "goal", Content: flowGoal(flow)},
		{Class: contextpack.Critical, Label: "task", Content: stepPrompt(step)},
	}
	for _, dep := range step.DependsOn {
		depStep := flow.Step(dep)
		if depStep == nil {
			continue
		}
		h, err := s.Ledger.ReadHandoff(flow.Name, dep, agentKeyFor(depStep))
		if err != nil {
			continue
		}
		items = append(items, contextpack.Item{
			Class:   contextpack.High,
			Label:   "handoff " + dep,
			Content: envelopeJSON(microloop.Minimize(h)),
		})
	}
	if trail, err := s.Ledger.ReadScentTrail(flow.Name); err == nil && len(trail) > 0 {
		items = append(items, contextpack.Item{
			Class:   contextpack.Medium,
			Label:   "route history",
			Content: scentText(trail),
		})
	}
	return items
}

func (s *Scheduler) supersedeStep(flowName, stepID, agent string) {
	if err := s.Ledger.SupersedeReceipt(flowName, stepID, agent); err != nil && !errors.Is(err, ledger.ErrMissing) {
		log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("supersede receipt")
	}
	if err := s.Ledger.SupersedeHandoff(flowName, stepID, agent); err != nil && !errors.Is(err, ledger.ErrMissing) {
		log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("supersede handoff")
	}
	if _, err := s.Ledger.AppendEvent(ledger.Event{Type: ledger.EventSuperseded, Flow: flowName, StepID: stepID}); err != nil {
		log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("append supersede event")
	}
}

func (s *Scheduler) headSHA() string {
	if s.WorkDir == "" || !gitutil.IsRepo(s.WorkDir) {
		return ""
	}
	sha, err := gitutil.HeadSHA(s.WorkDir)
	if err != nil {
		return ""
	}
	return sha
}

func (s *Scheduler) event(flowName, stepID, typ string, data map[string]any) {
	if _, err := s.Ledger.AppendEvent(ledger.Event{Type: typ, Flow: flowName, StepID: stepID, Data: data}); err != nil {
		log.WithFields(log.Fields{"flow": flowName, "step": stepID, "type": typ, "error": err}).Warn("append event")
	}
}

func (s *Scheduler) stepLog(flowName, stepID string, record map[string]any) {
	if err := s.Ledger.AppendStepLog(flowName, stepID, record); err != nil {
		log.WithFields(log.Fields{"flow": flowName, "step": stepID, "error": err}).Warn("append step log")
	}
}

func (s *Scheduler) progress() {
	if s.OnProgress != nil {
		s.OnProgress()
	}
}

func maxIterFor(step *plan.Step) int {
	if step.Microloop != nil && step.Microloop.MaxIterations > 0 {
		return step.Microloop.MaxIterations
	}
	return microloop.DefaultMaxIter
}

func failedStatus(cls *errclass.Classified) ledger.StepStatus {
	if cls.Reason == "timeout" || cls.Reason == "skill_timeout" {
		return ledger.StepTimeout
	}
	return ledger.StepFailed
}

func flowGoal(flow *plan.Flow) string {
	goal := flow.Goal
	if flow.ExitCriteria != "" {
		goal += "\n\nExit criteria: " + flow.ExitCriteria
	}
	for _, ng := range flow.NonGoals {
		goal += "\nNon-goal: " + ng
	}
	return goal
}

func stepPrompt(step *plan.Step) string {
	if step.Prompt != "" {
		return step.Prompt
	}
	return fmt.Sprintf("Execute step %q and report a structured handoff.", step.ID)
}

func envelopeJSON(h *ledger.Handoff) string {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// scentText renders the tail of the trail for prompt context.
func scentText(trail []ledger.ScentEntry) string {
	const tail = 5
	if len(trail) > tail {
		trail = trail[len(trail)-tail:]
	}
	var b []byte
	for _, e := range trail {
		b = append(b, fmt.Sprintf("%s: %s (%s)\n", e.Step, e.Decision, e.Rationale)...)
	}
	return string(b)
}

func outputStarted(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

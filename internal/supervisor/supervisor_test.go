package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/plan"
	"github.com/EffortlessMetrics/docket/internal/routing"
	"github.com/EffortlessMetrics/docket/internal/skill"
)

func testPlan() *plan.Plan {
	return &plan.Plan{Version: 1, Flows: []*plan.Flow{{
		Name: "build",
		Goal: "produce the artifact",
		Steps: []*plan.Step{
			{ID: "analyze", AgentKey: "worker"},
			{ID: "implement", AgentKey: "worker", DependsOn: []string{"analyze"}},
		},
	}}}
}

func newSupervisor(t *testing.T) (*Supervisor, *backend.Stub) {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	stub := backend.NewStub()
	clock := budget.WallClock{}
	return &Supervisor{
		Store:   store,
		Plan:    testPlan(),
		Backend: stub,
		Skills:  skill.NewRunner(clock),
		Clock:   clock,
		Catalog: &routing.Catalog{},
	}, stub
}

func TestStartRejectsUnknownFlow(t *testing.T) {
	sup, _ := newSupervisor(t)
	if _, err := sup.Start(ledger.RunSpec{Flows: []string{"no-such-flow"}}); err == nil {
		t.Fatal("Start accepted an undeclared flow")
	}
}

func TestStartDefaultsToAllPlanFlows(t *testing.T) {
	sup, _ := newSupervisor(t)
	runID, err := sup.Start(ledger.RunSpec{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rl, err := sup.Store.OpenRun(runID)
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	meta, err := rl.Meta()
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if len(meta.Spec.Flows) != 1 || meta.Spec.Flows[0] != "build" {
		t.Errorf("spec flows = %v, want [build]", meta.Spec.Flows)
	}
	if meta.Status != ledger.RunPending {
		t.Errorf("status = %s, want pending", meta.Status)
	}
}

func TestDriveCompletesCleanRun(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{CostUSD: 0.25, Tokens: ledger.TokenCount{Prompt: 100, Completion: 40, Total: 140}})

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	meta, err := sup.Drive(context.Background(), runID)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if meta.Status != ledger.RunCompleted {
		t.Fatalf("status = %s (%s), want completed", meta.Status, meta.StatusReason)
	}
	if meta.CumulativeCost != 0.25 {
		t.Errorf("cumulative cost = %v, want 0.25", meta.CumulativeCost)
	}
	if meta.Tokens.Prompt != 100 || meta.Tokens.Completion != 40 {
		t.Errorf("tokens = %+v", meta.Tokens)
	}

	rl, _ := sup.Store.OpenRun(runID)
	for _, step := range []string{"analyze", "implement"} {
		receipt, err := rl.ReadReceipt("build", step, "worker")
		if err != nil {
			t.Fatalf("receipt for %s: %v", step, err)
		}
		if receipt.Status != ledger.StepSucceeded {
			t.Errorf("receipt %s status = %s", step, receipt.Status)
		}
	}

	events, err := rl.ReadEvents(0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != ledger.EventRunStatus || last.Data["status"] != string(ledger.RunCompleted) {
		t.Errorf("final event = %+v, want run_status completed", last)
	}

	// A completed run cannot be driven again.
	if _, err := sup.Drive(context.Background(), runID); err == nil {
		t.Error("drive of a completed run succeeded")
	}
}

func TestDriveBudgetExhaustionAborts(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{CostUSD: 2.5})

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 1.0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	meta, err := sup.Drive(context.Background(), runID)
	if !errors.Is(err, budget.ErrBudgetExhausted) {
		t.Fatalf("drive error = %v, want budget exhaustion", err)
	}
	if meta.Status != ledger.RunAborted || meta.StatusReason != "budget_exhausted" {
		t.Errorf("status = %s (%s), want aborted/budget_exhausted", meta.Status, meta.StatusReason)
	}
	// Spend is recorded even though the step never committed.
	if meta.CumulativeCost != 2.5 {
		t.Errorf("cumulative cost = %v, want 2.5", meta.CumulativeCost)
	}

	rl, _ := sup.Store.OpenRun(runID)
	state := filepath.Join(rl.Layout().ForensicsDir("build", "budget_exhausted"), "state.json")
	if _, err := os.Stat(state); err != nil {
		t.Errorf("forensics snapshot missing: %v", err)
	}
}

func TestDriveEscalatesOnUnroutablePermanentFailure(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{FailStatus: 400})

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	meta, err := sup.Drive(context.Background(), runID)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if meta.Status != ledger.RunEscalated {
		t.Fatalf("status = %s (%s), want escalated", meta.Status, meta.StatusReason)
	}

	rl, _ := sup.Store.OpenRun(runID)
	escalations, err := rl.ListEscalations()
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(escalations))
	}
	esc := escalations[0]
	if esc.Flow != "build" || esc.StepID != "analyze" || esc.Resolution != nil {
		t.Errorf("escalation = %+v", esc)
	}
	if stub.Calls("implement") != 0 {
		t.Error("downstream step ran past the escalation")
	}
}

func TestResolveContinueAllowsRedrive(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{FailStatus: 400})

	runID, _ := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if _, err := sup.Drive(context.Background(), runID); err != nil {
		t.Fatalf("first drive: %v", err)
	}

	rl, _ := sup.Store.OpenRun(runID)
	escalations, _ := rl.ListEscalations()
	if len(escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(escalations))
	}

	esc, err := sup.Resolve(runID, escalations[0].Key, ledger.Resolution{
		Decision:   ledger.DecisionContinue,
		Note:       "known flake, rerun",
		ResolvedBy: "operator",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if esc.Resolution == nil || esc.Resolution.Decision != ledger.DecisionContinue {
		t.Fatalf("resolution = %+v", esc.Resolution)
	}
	meta, _ := rl.Meta()
	if meta.Status != ledger.RunPaused {
		t.Fatalf("status after resolve = %s, want paused", meta.Status)
	}

	// Double resolution conflicts.
	if _, err := sup.Resolve(runID, escalations[0].Key, ledger.Resolution{Decision: ledger.DecisionContinue}); !errors.Is(err, ledger.ErrAlreadyCommitted) {
		t.Fatalf("double resolve error = %v, want ErrAlreadyCommitted", err)
	}

	// The failed step never produced a handoff, so the redrive reruns it;
	// the script is consumed and the second attempt succeeds.
	meta, err = sup.Drive(context.Background(), runID)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if meta.Status != ledger.RunCompleted {
		t.Fatalf("status after redrive = %s (%s), want completed", meta.Status, meta.StatusReason)
	}
	if got := stub.Calls("analyze"); got != 2 {
		t.Errorf("analyze calls = %d, want 2", got)
	}
}

func TestResolveTerminateAbortsRun(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{FailStatus: 400})

	runID, _ := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if _, err := sup.Drive(context.Background(), runID); err != nil {
		t.Fatalf("drive: %v", err)
	}
	rl, _ := sup.Store.OpenRun(runID)
	escalations, _ := rl.ListEscalations()

	if _, err := sup.Resolve(runID, escalations[0].Key, ledger.Resolution{Decision: ledger.DecisionTerminate}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	meta, _ := rl.Meta()
	if meta.Status != ledger.RunAborted || meta.StatusReason != "terminated by operator" {
		t.Errorf("status = %s (%s)", meta.Status, meta.StatusReason)
	}
	if _, err := sup.Drive(context.Background(), runID); err == nil {
		t.Error("drive of an aborted run succeeded")
	}
}

func TestResolveRejectsEscalateDecision(t *testing.T) {
	sup, stub := newSupervisor(t)
	stub.Script("analyze", backend.StubOutcome{FailStatus: 400})

	runID, _ := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if _, err := sup.Drive(context.Background(), runID); err != nil {
		t.Fatalf("drive: %v", err)
	}
	rl, _ := sup.Store.OpenRun(runID)
	escalations, _ := rl.ListEscalations()

	if _, err := sup.Resolve(runID, escalations[0].Key, ledger.Resolution{Decision: ledger.DecisionEscalate}); err == nil {
		t.Fatal("ESCALATE accepted as a resolution")
	}
}

func TestResolveDetourSupersedesStepForRerun(t *testing.T) {
	sup, stub := newSupervisor(t)
	// Succeed once so a committed receipt and handoff exist, then escalate
	// at the second step.
	stub.Script("implement", backend.StubOutcome{FailStatus: 400})

	runID, _ := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if _, err := sup.Drive(context.Background(), runID); err != nil {
		t.Fatalf("drive: %v", err)
	}
	rl, _ := sup.Store.OpenRun(runID)
	escalations, _ := rl.ListEscalations()
	if len(escalations) != 1 || escalations[0].StepID != "implement" {
		t.Fatalf("escalations = %+v", escalations)
	}

	if _, err := sup.Resolve(runID, escalations[0].Key, ledger.Resolution{Decision: ledger.DecisionDetour, Target: "cleanup"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rl.HasReceipt("build", "implement", "worker") {
		t.Error("receipt survived a DETOUR resolution")
	}
	// The step before the escalation keeps its checkpoint.
	if !rl.HasReceipt("build", "analyze", "worker") {
		t.Error("upstream receipt was superseded")
	}
}

// blockingBackend parks Execute until released so control operations can
// race against an in-flight call deterministically.
type blockingBackend struct {
	*backend.Stub
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Execute(ctx context.Context, spec backend.StepSpec, pack backend.PromptPack) (*backend.StepResult, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
	}
	return b.Stub.Execute(ctx, spec, pack)
}

func TestCancelAbortsActiveRun(t *testing.T) {
	sup, stub := newSupervisor(t)
	blocking := &blockingBackend{Stub: stub, started: make(chan struct{}), release: make(chan struct{})}
	sup.Backend = blocking

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	type result struct {
		meta *ledger.RunMeta
		err  error
	}
	done := make(chan result, 1)
	go func() {
		meta, err := sup.Drive(context.Background(), runID)
		done <- result{meta, err}
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backend call never started")
	}
	if err := sup.Cancel(runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var got result
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not return after cancel")
	}
	if got.err != nil {
		t.Fatalf("drive error = %v", got.err)
	}
	if got.meta.Status != ledger.RunAborted || got.meta.StatusReason != "cancelled" {
		t.Errorf("status = %s (%s), want aborted/cancelled", got.meta.Status, got.meta.StatusReason)
	}

	// The handle is unregistered once the drive returns.
	if err := sup.Cancel(runID); err == nil {
		t.Error("cancel of an inactive run succeeded")
	}
}

func TestExternalInterruptLeavesRunResumable(t *testing.T) {
	sup, stub := newSupervisor(t)
	blocking := &blockingBackend{Stub: stub, started: make(chan struct{}), release: make(chan struct{})}
	sup.Backend = blocking

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		meta *ledger.RunMeta
		err  error
	}
	done := make(chan result, 1)
	go func() {
		meta, err := sup.Drive(ctx, runID)
		done <- result{meta, err}
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backend call never started")
	}
	cancel()

	var got result
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not return after interrupt")
	}
	if got.err != nil {
		t.Fatalf("drive error = %v", got.err)
	}
	if got.meta.Status != ledger.RunPaused || got.meta.StatusReason != "interrupted" {
		t.Fatalf("status = %s (%s), want paused/interrupted", got.meta.Status, got.meta.StatusReason)
	}

	// Resume from the interruption and run to completion.
	close(blocking.release)
	meta, err := sup.Drive(context.Background(), runID)
	if err != nil {
		t.Fatalf("resume drive: %v", err)
	}
	if meta.Status != ledger.RunCompleted {
		t.Errorf("status after resume = %s (%s), want completed", meta.Status, meta.StatusReason)
	}
}

func TestDriveMultiFlowRunWithSkillStep(t *testing.T) {
	sup, stub := newSupervisor(t)
	sup.Plan = &plan.Plan{Version: 1, Flows: []*plan.Flow{
		{
			Name:  "signal",
			Goal:  "triage",
			Steps: []*plan.Step{{ID: "triage", AgentKey: "triager"}},
		},
		{
			Name: "build",
			Goal: "implement and check",
			Steps: []*plan.Step{
				{ID: "implement", AgentKey: "implementer"},
				{ID: "checks", Kind: plan.StepSkill, Run: "true", DependsOn: []string{"implement"}},
			},
		},
	}}

	runID, err := sup.Start(ledger.RunSpec{BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	meta, err := sup.Drive(context.Background(), runID)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if meta.Status != ledger.RunCompleted {
		t.Fatalf("status = %s (%s), want completed", meta.Status, meta.StatusReason)
	}
	if meta.ActiveFlow != "build" {
		t.Errorf("active flow = %s, want build", meta.ActiveFlow)
	}
	if meta.CumulativeCost != 0 {
		t.Errorf("cost = %v, want 0", meta.CumulativeCost)
	}
	if stub.Calls("triage") != 1 || stub.Calls("implement") != 1 {
		t.Errorf("calls = triage:%d implement:%d", stub.Calls("triage"), stub.Calls("implement"))
	}

	rl, _ := sup.Store.OpenRun(runID)
	if _, err := rl.ReadReceipt("signal", "triage", "triager"); err != nil {
		t.Errorf("signal receipt: %v", err)
	}
	receipt, err := rl.ReadReceipt("build", "checks", "skill")
	if err != nil {
		t.Fatalf("skill receipt: %v", err)
	}
	if receipt.Status != ledger.StepSucceeded {
		t.Errorf("skill receipt status = %s", receipt.Status)
	}
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func TestDriveBoundarySecretEscalates(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	gitRun(t, repo, "init", "-q")
	gitRun(t, repo, "config", "user.email", "test@example.com")
	gitRun(t, repo, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(repo, "config.go"), []byte("package config\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-q", "-m", "init")
	// Unpublished working-tree change carrying credential material.
	leak := "package config\n\nconst key = \"sk-ant-" + strings.Repeat("a1b2", 4) + "\"\n"
	if err := os.WriteFile(filepath.Join(repo, "config.go"), []byte(leak), 0o644); err != nil {
		t.Fatalf("write leak: %v", err)
	}

	sup, _ := newSupervisor(t)
	sup.WorkDir = repo

	runID, err := sup.Start(ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	meta, err := sup.Drive(context.Background(), runID)
	if !errors.Is(err, ErrBoundary) {
		t.Fatalf("drive error = %v, want boundary violation", err)
	}
	if meta.Status != ledger.RunEscalated {
		t.Fatalf("status = %s (%s), want escalated", meta.Status, meta.StatusReason)
	}

	rl, _ := sup.Store.OpenRun(runID)
	escalations, _ := rl.ListEscalations()
	if len(escalations) != 1 || !strings.HasPrefix(escalations[0].Reason, "boundary:") {
		t.Fatalf("escalations = %+v", escalations)
	}
	if escalations[0].Details["incident"] == nil {
		t.Error("escalation carries no incident id")
	}

	events, _ := rl.ReadEvents(0)
	var sawIncident, sawFatalVerdict bool
	for _, ev := range events {
		switch ev.Type {
		case ledger.EventIncident:
			sawIncident = true
		case ledger.EventGateVerdict:
			if notify, _ := ev.Data["notify"].(bool); notify {
				sawFatalVerdict = true
			}
		}
	}
	if !sawIncident || !sawFatalVerdict {
		t.Errorf("incident=%v fatal_verdict=%v, want both", sawIncident, sawFatalVerdict)
	}

	// The incident snapshot lands under the flow's forensics directory.
	incident, _ := escalations[0].Details["incident"].(string)
	state := filepath.Join(rl.Layout().ForensicsDir("build", incident), "state.json")
	if _, err := os.Stat(state); err != nil {
		t.Errorf("incident snapshot missing: %v", err)
	}
}

func TestNewRunIDIsSortableAndLower(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == b {
		t.Fatal("two run ids collided")
	}
	if a > b {
		t.Errorf("run ids not monotonic: %s > %s", a, b)
	}
	for _, id := range []string{a, b} {
		for _, r := range id {
			if r >= 'A' && r <= 'Z' {
				t.Fatalf("run id %s contains upper case", id)
			}
		}
	}
}

package microloop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

func boolPtr(b bool) *bool { return &b }

func author(ctx context.Context, iter int, feedback *ledger.Handoff) (*ledger.Handoff, error) {
	return &ledger.Handoff{
		Status:  ledger.HandoffUnverified,
		Summary: ledger.HandoffSummary{WhatIDid: fmt.Sprintf("draft %d", iter)},
	}, nil
}

func TestExitOnVerified(t *testing.T) {
	critic := func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
		status := ledger.HandoffUnverified
		canHelp := true
		if iter == 2 {
			status = ledger.HandoffVerified
		}
		return &ledger.Handoff{
			Status:  status,
			Routing: ledger.HandoffRouting{CanFurtherIterationHelp: &canHelp},
			Concerns: []ledger.Concern{
				{Severity: "medium", Description: fmt.Sprintf("issue %d", iter), Location: fmt.Sprintf("a.go:%d", iter)},
			},
		}, nil
	}
	out, err := Run(context.Background(), Spec{StepID: "draft", MaxIter: 3}, author, critic)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Exit != ExitVerified || out.Iterations != 2 {
		t.Fatalf("got %+v", out)
	}
}

func TestExitWhenCriticSeesNoFixPath(t *testing.T) {
	critic := func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
		canHelp := iter < 2
		return &ledger.Handoff{
			Status:   ledger.HandoffUnverified,
			Routing:  ledger.HandoffRouting{CanFurtherIterationHelp: &canHelp},
			Concerns: []ledger.Concern{{Severity: "high", Description: fmt.Sprintf("problem %d", iter)}},
		}, nil
	}
	out, err := Run(context.Background(), Spec{StepID: "draft", MaxIter: 3}, author, critic)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Exit != ExitNoHelp || out.Iterations != 2 {
		t.Fatalf("got %+v", out)
	}
}

func TestExitAtMaxIterations(t *testing.T) {
	calls := 0
	critic := func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
		calls++
		return &ledger.Handoff{
			Status:   ledger.HandoffUnverified,
			Routing:  ledger.HandoffRouting{CanFurtherIterationHelp: boolPtr(true)},
			Concerns: []ledger.Concern{{Description: fmt.Sprintf("distinct issue %d", iter)}},
		}, nil
	}
	out, err := Run(context.Background(), Spec{StepID: "draft", MaxIter: 3}, author, critic)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Exit != ExitMaxIterations || out.Iterations != 3 || calls != 3 {
		t.Fatalf("got %+v after %d critic calls", out, calls)
	}
}

func TestLoopSignatureKeepsDigitDistinctions(t *testing.T) {
	concern := func(desc string) *ledger.Handoff {
		return &ledger.Handoff{Concerns: []ledger.Concern{{Description: desc, Location: "a.go:10"}}}
	}
	a := loopSignature("draft", concern("distinct issue 1"))
	b := loopSignature("draft", concern("distinct issue 2"))
	if a == b {
		t.Fatalf("concerns differing only in digits collapsed to %q", a)
	}
	// Case and whitespace are presentation noise, not new concerns.
	if c := loopSignature("draft", concern("Distinct  Issue 1")); c != a {
		t.Fatalf("case/space noise changed signature: %q vs %q", c, a)
	}
}

func TestExitOnRepeatedSignatureForDetour(t *testing.T) {
	critic := func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
		return &ledger.Handoff{
			Status:   ledger.HandoffUnverified,
			Routing:  ledger.HandoffRouting{CanFurtherIterationHelp: boolPtr(true)},
			Concerns: []ledger.Concern{{Severity: "high", Description: "unused import", Location: "main.go:3"}},
		}, nil
	}
	out, err := Run(context.Background(), Spec{StepID: "draft", MaxIter: 5}, author, critic)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Exit != ExitRepeatSignature || out.Iterations != 2 {
		t.Fatalf("got %+v", out)
	}
	if out.Signature == "" {
		t.Fatal("repeat exit must carry the signature for detour routing")
	}
}

func TestLoopAlwaysTerminates(t *testing.T) {
	// Adversarial critic: always unverified, always claims iteration helps,
	// always a fresh concern so the signature never repeats.
	for _, maxIter := range []int{1, 3, 5} {
		critic := func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error) {
			return &ledger.Handoff{
				Status:   ledger.HandoffUnverified,
				Routing:  ledger.HandoffRouting{CanFurtherIterationHelp: boolPtr(true)},
				Concerns: []ledger.Concern{{Description: fmt.Sprintf("new issue %d", iter)}},
			}, nil
		}
		out, err := Run(context.Background(), Spec{StepID: "draft", MaxIter: maxIter}, author, critic)
		if err != nil {
			t.Fatalf("maxIter %d: %v", maxIter, err)
		}
		if out.Iterations > maxIter+1 {
			t.Fatalf("maxIter %d: ran %d iterations", maxIter, out.Iterations)
		}
	}
}

func TestWorkErrorAborts(t *testing.T) {
	boom := errors.New("backend down")
	work := func(ctx context.Context, iter int, feedback *ledger.Handoff) (*ledger.Handoff, error) {
		return nil, boom
	}
	_, err := Run(context.Background(), Spec{StepID: "draft"}, work, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

func TestMinimizeKeepsTopConcernOnly(t *testing.T) {
	h := &ledger.Handoff{
		Status: ledger.HandoffUnverified,
		Summary: ledger.HandoffSummary{
			WhatIDid:   "lots of work",
			WhatIFound: "this field is dropped entirely",
		},
		Concerns: []ledger.Concern{
			{Severity: "medium", Description: "style nit"},
			{Severity: "critical", Description: "data loss", Location: "store.go:42", Recommendation: "fsync before rename"},
			{Severity: "high", Description: "slow path"},
		},
		Routing: ledger.HandoffRouting{Recommendation: "LOOP", Reason: "fixable"},
	}
	m := Minimize(h)
	if len(m.Concerns) != 1 || m.Concerns[0].Severity != "critical" {
		t.Fatalf("concerns = %+v", m.Concerns)
	}
	if m.Summary.WhatIFound != "" {
		t.Fatal("minimized envelope must not carry secondary prose")
	}
	if m.Routing.Recommendation != "LOOP" {
		t.Fatal("routing hint lost")
	}
}

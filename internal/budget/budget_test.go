package budget

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMeterChargeUntilExhausted(t *testing.T) {
	m := NewMeter(1.0)
	if err := m.Check(); err != nil {
		t.Fatalf("fresh meter: %v", err)
	}
	if err := m.Charge(0.40, 1000, 200); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if err := m.Charge(0.40, 1000, 200); err != nil {
		t.Fatalf("second charge: %v", err)
	}
	err := m.Charge(0.30, 500, 100)
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("got %v want ErrBudgetExhausted", err)
	}
	// The exhausting charge is still recorded.
	spent, in, out := m.Snapshot()
	if spent < 1.0999 || spent > 1.1001 {
		t.Fatalf("got spent %v want ~1.10", spent)
	}
	if in != 2500 || out != 500 {
		t.Fatalf("token totals wrong: %d/%d", in, out)
	}
	if err := m.Check(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("Check after exhaustion: %v", err)
	}
}

func TestMeterZeroCapUnmetered(t *testing.T) {
	m := NewMeter(0)
	for i := 0; i < 100; i++ {
		if err := m.Charge(10, 0, 0); err != nil {
			t.Fatalf("unmetered charge failed: %v", err)
		}
	}
	if err := m.Check(); err != nil {
		t.Fatalf("unmetered check: %v", err)
	}
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("got %s want 90s", got)
	}
}

func TestWithScopeClampsToParent(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx, cancel2 := WithScope(parent, ScopeStep, 0)
	defer cancel2()
	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("no deadline")
	}
	// The step hard limit is 15m but the parent expires in 1m.
	if time.Until(dl) > time.Minute+time.Second {
		t.Fatalf("deadline %s not clamped by parent", time.Until(dl))
	}
}

func TestWithScopeOverrideShortens(t *testing.T) {
	ctx, cancel := WithScope(context.Background(), ScopeStep, 5*time.Second)
	defer cancel()
	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("no deadline")
	}
	if until := time.Until(dl); until > 6*time.Second {
		t.Fatalf("override ignored, deadline in %s", until)
	}
}

func TestLimitsHierarchy(t *testing.T) {
	for _, tc := range []struct {
		scope Scope
		soft  time.Duration
		hard  time.Duration
	}{
		{ScopeFlow, 30 * time.Minute, 45 * time.Minute},
		{ScopeStep, 10 * time.Minute, 15 * time.Minute},
		{ScopeCall, 2 * time.Minute, 3 * time.Minute},
		{ScopeSkill, 5 * time.Minute, 10 * time.Minute},
	} {
		lim := LimitsFor(tc.scope)
		if lim.Soft != tc.soft || lim.Hard != tc.hard {
			t.Fatalf("%s: got %v/%v want %v/%v", tc.scope, lim.Soft, lim.Hard, tc.soft, tc.hard)
		}
	}
}

package contextpack

import (
	"errors"
	"strings"
	"testing"

	"github.com/EffortlessMetrics/docket/internal/plan"
)

func block(n int) string {
	// n tokens at the 4-bytes-per-token estimate.
	return strings.Repeat("word", n)
}

func TestPackKeepsEverythingUnderBudget(t *testing.T) {
	packed, overflow, err := Pack([]Item{
		{Class: Critical, Label: "step spec", Content: block(100)},
		{Class: High, Label: "previous handoff", Content: block(100)},
		{Class: Low, Label: "scent excerpts", Content: block(100)},
	}, Budget{MaxInputTokens: 1000})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(overflow) != 0 {
		t.Fatalf("unexpected overflow %v", overflow)
	}
	for _, label := range []string{"step spec", "previous handoff", "scent excerpts"} {
		if !strings.Contains(packed, "## "+label) {
			t.Fatalf("packed output missing %q", label)
		}
	}
}

func TestPackDropsLowestClassFirst(t *testing.T) {
	packed, overflow, err := Pack([]Item{
		{Class: Critical, Label: "spec", Content: block(100)},
		{Class: High, Label: "handoff", Content: block(100)},
		{Class: Medium, Label: "artifact", Content: block(100)},
		{Class: Low, Label: "history", Content: block(400)},
	}, Budget{MaxInputTokens: 320})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if strings.Contains(packed, "## history") {
		t.Fatal("low-class item survived an overflowing pack")
	}
	if len(overflow) == 0 || overflow[0] != "dropped low:history" {
		t.Fatalf("overflow = %v, want dropped low:history first", overflow)
	}
	if !strings.Contains(packed, "## spec") {
		t.Fatal("critical item was dropped")
	}
}

func TestPackTruncatesHighTailFirst(t *testing.T) {
	packed, overflow, err := Pack([]Item{
		{Class: Critical, Label: "spec", Content: block(50)},
		{Class: High, Label: "first", Content: block(100)},
		{Class: High, Label: "second", Content: block(100)},
	}, Budget{MaxInputTokens: 200})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	// The later HIGH item loses tokens before the earlier one.
	found := false
	for _, o := range overflow {
		if strings.HasPrefix(o, "truncated high:second") {
			found = true
		}
		if strings.HasPrefix(o, "truncated high:first") && !found {
			t.Fatalf("first truncated before second: %v", overflow)
		}
	}
	if !found {
		t.Fatalf("no truncation recorded: %v", overflow)
	}
	if !strings.Contains(packed, "## first") {
		t.Fatal("earlier high item should survive intact")
	}
}

func TestPackCriticalOverflowIsAnError(t *testing.T) {
	_, _, err := Pack([]Item{
		{Class: Critical, Label: "spec", Content: block(500)},
	}, Budget{MaxInputTokens: 100})
	if !errors.Is(err, ErrCriticalOverflow) {
		t.Fatalf("got %v, want ErrCriticalOverflow", err)
	}
}

func TestBudgetForHonorsOverrides(t *testing.T) {
	step := &plan.Step{ID: "implement", Tier: plan.TierCritic}
	b := BudgetFor(step)
	if b.MaxInputTokens != 25_000 || b.MaxOutputTokens != 5_000 {
		t.Fatalf("critic defaults = %+v", b)
	}
	step.ContextBudget = &plan.ContextBudget{MaxInputTokens: 1234}
	b = BudgetFor(step)
	if b.MaxInputTokens != 1234 {
		t.Fatalf("override ignored: %+v", b)
	}
	if b.MaxOutputTokens != 5_000 {
		t.Fatalf("partial override clobbered default: %+v", b)
	}
}

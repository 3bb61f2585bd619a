// Package contextpack assembles the bounded input for a step. Items carry a
// priority class; the packer fits them under a token budget with a
// deterministic drop order and reports every drop so the receipt can record
// what the step never saw.
package contextpack

import (
	"fmt"
	"strings"

	"github.com/EffortlessMetrics/docket/internal/plan"
)

// Class orders items by how much the step needs them. Lower classes are
// dropped first.
type Class int

const (
	Low Class = iota
	Medium
	High
	Critical
)

func (c Class) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Item is one candidate block of context.
type Item struct {
	Class   Class
	Label   string
	Content string
}

// Budget caps the packed input and the requested completion size.
type Budget struct {
	MaxInputTokens  int
	MaxOutputTokens int
}

// roleBudgets are the defaults per agent tier. Plan-level overrides win.
var roleBudgets = map[plan.Tier]Budget{
	plan.TierImplementer: {MaxInputTokens: 30_000, MaxOutputTokens: 10_000},
	plan.TierCritic:      {MaxInputTokens: 25_000, MaxOutputTokens: 5_000},
	plan.TierNavigator:   {MaxInputTokens: 4_000, MaxOutputTokens: 16},
}

// BudgetFor resolves the effective budget for a step: role default, then the
// step's own override.
func BudgetFor(step *plan.Step) Budget {
	b, ok := roleBudgets[step.ResolvedTier()]
	if !ok {
		b = roleBudgets[plan.TierImplementer]
	}
	if cb := step.ContextBudget; cb != nil {
		if cb.MaxInputTokens > 0 {
			b.MaxInputTokens = cb.MaxInputTokens
		}
		if cb.MaxOutputTokens > 0 {
			b.MaxOutputTokens = cb.MaxOutputTokens
		}
	}
	return b
}

// EstimateTokens approximates token count from bytes. Four bytes per token
// is the usual planning ratio; the packer only needs a stable estimate, not
// tokenizer truth.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ErrCriticalOverflow means the never-drop items alone exceed the budget.
// The step cannot run; the plan or the budget must change.
var ErrCriticalOverflow = fmt.Errorf("critical context exceeds input budget")

// Pack fits items under the budget. Items keep their given order within a
// class; classes are dropped lowest-first, and HIGH items are truncated
// tail-first rather than dropped. The overflow list names every drop and
// truncation in the order they happened.
func Pack(items []Item, budget Budget) (string, []string, error) {
	if budget.MaxInputTokens <= 0 {
		budget.MaxInputTokens = roleBudgets[plan.TierImplementer].MaxInputTokens
	}

	var critical int
	for _, it := range items {
		if it.Class == Critical {
			critical += EstimateTokens(it.Content)
		}
	}
	if critical > budget.MaxInputTokens {
		return "", nil, fmt.Errorf("%w: %d tokens of critical context, budget %d", ErrCriticalOverflow, critical, budget.MaxInputTokens)
	}

	kept := make([]Item, len(items))
	copy(kept, items)
	var overflow []string

	// Drop whole classes lowest-first until the estimate fits or only
	// truncation remains.
	for _, class := range []Class{Low, Medium} {
		if estimate(kept) <= budget.MaxInputTokens {
			break
		}
		next := kept[:0]
		for _, it := range kept {
			if it.Class == class {
				overflow = append(overflow, fmt.Sprintf("dropped %s:%s", class, it.Label))
				continue
			}
			next = append(next, it)
		}
		kept = next
	}

	// HIGH items are truncated tail-first, never dropped.
	if over := estimate(kept) - budget.MaxInputTokens; over > 0 {
		for i := len(kept) - 1; i >= 0 && over > 0; i-- {
			if kept[i].Class != High {
				continue
			}
			have := EstimateTokens(kept[i].Content)
			cut := over
			if cut > have {
				cut = have
			}
			keepBytes := (have - cut) * 4
			kept[i].Content = kept[i].Content[:min(keepBytes, len(kept[i].Content))]
			overflow = append(overflow, fmt.Sprintf("truncated high:%s by %d tokens", kept[i].Label, cut))
			over -= cut
		}
	}

	var sb strings.Builder
	for _, it := range kept {
		if it.Content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", it.Label, strings.TrimRight(it.Content, "\n"))
	}
	return sb.String(), overflow, nil
}

func estimate(items []Item) int {
	total := 0
	for _, it := range items {
		total += EstimateTokens(it.Content)
	}
	return total
}

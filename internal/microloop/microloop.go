// Package microloop runs the bounded author/critic refinement loop declared
// on a step. The loop is a controller re-invoking the same step, not a cycle
// in the flow graph, and it always terminates: verified work, a critic with
// no fix path, an iteration cap, or a repeating failure all end it.
package microloop

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
)

// DefaultMaxIter bounds loops that declare no cap. Code loops get more room.
const (
	DefaultMaxIter     = 3
	DefaultMaxIterCode = 5
)

// WorkFunc produces the author's handoff for one iteration. feedback is the
// critic's minimized envelope from the previous iteration, nil on the first.
type WorkFunc func(ctx context.Context, iter int, feedback *ledger.Handoff) (*ledger.Handoff, error)

// CritiqueFunc produces the critic's verdict on the author's handoff.
type CritiqueFunc func(ctx context.Context, iter int, authored *ledger.Handoff) (*ledger.Handoff, error)

// ExitReason names why the loop stopped.
type ExitReason string

const (
	ExitVerified        ExitReason = "verified"
	ExitNoHelp          ExitReason = "no_viable_fix_path"
	ExitMaxIterations   ExitReason = "max_iterations"
	ExitRepeatSignature ExitReason = "repeat_signature"
)

// State is the compact loop memory carried between iterations. No prose
// crosses an iteration boundary; only this.
type State struct {
	Iter       int
	Signatures []string
	LastStatus ledger.HandoffStatus
}

// Outcome is the loop's final verdict.
type Outcome struct {
	Iterations int
	Exit       ExitReason
	// Final is the critic's last handoff, minimized.
	Final *ledger.Handoff
	// Signature is set on ExitRepeatSignature so routing can detour.
	Signature string
}

// Spec configures one loop run.
type Spec struct {
	StepID    string
	CriticKey string
	MaxIter   int
}

// Run drives the loop to an exit condition. Errors from work or critique
// abort the loop; retry policy lives below this layer, in the reliability
// engine wrapping the actual calls.
func Run(ctx context.Context, spec Spec, work WorkFunc, critique CritiqueFunc) (Outcome, error) {
	maxIter := spec.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}
	state := State{}
	var feedback *ledger.Handoff

	for {
		state.Iter++
		if err := ctx.Err(); err != nil {
			return Outcome{Iterations: state.Iter - 1}, err
		}

		authored, err := work(ctx, state.Iter, feedback)
		if err != nil {
			return Outcome{Iterations: state.Iter}, fmt.Errorf("iteration %d author: %w", state.Iter, err)
		}
		verdict, err := critique(ctx, state.Iter, Minimize(authored))
		if err != nil {
			return Outcome{Iterations: state.Iter}, fmt.Errorf("iteration %d critic: %w", state.Iter, err)
		}
		state.LastStatus = verdict.Status

		if verdict.Status == ledger.HandoffVerified {
			return exit(spec, state, ExitVerified, verdict, "")
		}
		if h := verdict.Routing.CanFurtherIterationHelp; h != nil && !*h {
			return exit(spec, state, ExitNoHelp, verdict, "")
		}

		sig := loopSignature(spec.StepID, verdict)
		if sig != "" {
			for _, prev := range state.Signatures {
				if prev == sig {
					return exit(spec, state, ExitRepeatSignature, verdict, sig)
				}
			}
			state.Signatures = append(state.Signatures, sig)
		}

		if state.Iter >= maxIter {
			return exit(spec, state, ExitMaxIterations, verdict, "")
		}
		feedback = Minimize(verdict)
	}
}

func exit(spec Spec, state State, reason ExitReason, final *ledger.Handoff, sig string) (Outcome, error) {
	metrics.MicroloopIterations.WithLabelValues(string(reason)).Observe(float64(state.Iter))
	log.WithFields(log.Fields{
		"step":       spec.StepID,
		"critic":     spec.CriticKey,
		"iterations": state.Iter,
		"exit":       reason,
	}).Info("microloop done")
	return Outcome{
		Iterations: state.Iter,
		Exit:       reason,
		Final:      Minimize(final),
		Signature:  sig,
	}, nil
}

// loopSignature derives the stable identity of the critic's top concern so
// the loop can spot itself going in circles. The concern text is hashed
// raw: critic prose differing only in line numbers or counts names a
// different concern, so the digit normalization used for infrastructure
// failure signatures does not apply here.
func loopSignature(stepID string, h *ledger.Handoff) string {
	if h == nil || len(h.Concerns) == 0 {
		return ""
	}
	top := h.Concerns[0]
	raw := strings.Join(strings.Fields(strings.ToLower(top.Location+" "+top.Description)), " ")
	if raw == "" {
		return ""
	}
	head := raw
	if len(head) > 48 {
		head = head[:48]
	}
	sum := blake3.Sum256([]byte("critic_concern|" + stepID + "|" + raw))
	return fmt.Sprintf("critic_concern|%s|%s#%x", stepID, head, sum[:6])
}

// minimizeBudget is the envelope target in tokens: small enough that loop
// handoffs stay cheap, big enough for one concern and a routing hint.
const minimizeBudget = 500

// Minimize trims a handoff to the loop envelope: one top concern with
// location and recommendation, the routing hint, no accumulated prose.
func Minimize(h *ledger.Handoff) *ledger.Handoff {
	if h == nil {
		return nil
	}
	out := &ledger.Handoff{
		Meta:   h.Meta,
		Status: h.Status,
		Summary: ledger.HandoffSummary{
			WhatIDid: clip(h.Summary.WhatIDid, 400),
		},
		Routing:   h.Routing,
		CreatedAt: h.CreatedAt,
	}
	if len(h.Concerns) > 0 {
		top := h.Concerns[0]
		for _, c := range h.Concerns[1:] {
			if severityRank(c.Severity) > severityRank(top.Severity) {
				top = c
			}
		}
		top.Description = clip(top.Description, 400)
		top.Recommendation = clip(top.Recommendation, 300)
		out.Concerns = []ledger.Concern{top}
	}
	// Keep the estimate honest: 4 bytes per token against the budget.
	for total := envelopeSize(out); total > minimizeBudget*4; total = envelopeSize(out) {
		out.Summary.WhatIDid = clip(out.Summary.WhatIDid, len(out.Summary.WhatIDid)/2)
		if len(out.Summary.WhatIDid) < 16 {
			break
		}
	}
	return out
}

func envelopeSize(h *ledger.Handoff) int {
	n := len(h.Summary.WhatIDid) + len(h.Routing.Reason) + len(h.Routing.Recommendation)
	for _, c := range h.Concerns {
		n += len(c.Description) + len(c.Location) + len(c.Recommendation) + len(c.Severity)
	}
	return n
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	}
	return 0
}

func clip(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

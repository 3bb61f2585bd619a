package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// StubOutcome scripts one call for one step. The zero value succeeds with a
// VERIFIED handoff at zero cost.
type StubOutcome struct {
	Handoff    *ledger.Handoff
	Text       string
	CostUSD    float64
	Tokens     ledger.TokenCount
	FailStatus int
	FailHint   string
	RetryAfter int // seconds, surfaced as the 429 Retry-After
}

// Stub is the scripted backend for tests, selftest, and dry runs. Outcomes
// are queued per step id and consumed in order; a step with no script
// succeeds with a minimal VERIFIED handoff.
type Stub struct {
	mu      sync.Mutex
	scripts map[string][]StubOutcome
	calls   map[string]int
	// NavigatorReply is returned verbatim for navigator-tier calls.
	NavigatorReply string
}

// NewStub returns an empty scripted backend.
func NewStub() *Stub {
	return &Stub{
		scripts: map[string][]StubOutcome{},
		calls:   map[string]int{},
	}
}

// Script queues outcomes for a step. Calls beyond the script succeed.
func (s *Stub) Script(stepID string, outcomes ...StubOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stepID] = append(s.scripts[stepID], outcomes...)
}

// Calls reports how many times the step was executed.
func (s *Stub) Calls(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

func (s *Stub) Name() string { return "stub" }

// The stub deliberately advertises only structured output so the
// subsumption wrapper's other bridges stay exercised in every stub run.
func (s *Stub) Capabilities() CapabilitySet {
	return CapabilitySet{CapStructuredOutput: true}
}

func (s *Stub) Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls[spec.StepID]++
	var out StubOutcome
	if queue := s.scripts[spec.StepID]; len(queue) > 0 {
		out = queue[0]
		s.scripts[spec.StepID] = queue[1:]
	}
	reply := s.NavigatorReply
	s.mu.Unlock()

	if out.FailStatus != 0 {
		return nil, &CallError{
			Engine:     "stub",
			Status:     out.FailStatus,
			Message:    fmt.Sprintf("scripted failure for %s", spec.StepID),
			Hint:       out.FailHint,
			RetryDelay: time.Duration(out.RetryAfter) * time.Second,
		}
	}

	text := out.Text
	if text == "" {
		text = fmt.Sprintf("stub output for %s/%s", spec.Flow, spec.StepID)
	}
	if spec.Tier == "navigator" && reply != "" {
		text = reply
	}
	outPath := ""
	if spec.OutDir != "" {
		if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
			return nil, err
		}
		outPath = filepath.Join(spec.OutDir, "output.txt")
		if err := os.WriteFile(outPath, []byte(text+"\n"), 0o644); err != nil {
			return nil, err
		}
	}

	h := out.Handoff
	if h == nil {
		h = &ledger.Handoff{
			Meta:    ledger.HandoffMeta{StepID: spec.StepID, AgentKey: spec.AgentKey},
			Status:  ledger.HandoffVerified,
			Summary: ledger.HandoffSummary{WhatIDid: "scripted step completed"},
		}
	}
	structured, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Status:         ledger.StepSucceeded,
		Engine:         "stub",
		OutputTextPath: outPath,
		Structured:     structured,
		Tokens:         out.Tokens,
		CostUSD:        out.CostUSD,
	}, nil
}

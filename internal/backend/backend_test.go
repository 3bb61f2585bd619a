package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

func TestStubScriptedFailureThenSuccess(t *testing.T) {
	stub := NewStub()
	stub.Script("implement", StubOutcome{FailStatus: 429, RetryAfter: 2})

	spec := StepSpec{RunID: "r", Flow: "build", StepID: "implement", AgentKey: "implementer", OutDir: t.TempDir()}
	_, err := stub.Execute(context.Background(), spec, PromptPack{Prompt: "go"})
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("got %v, want CallError", err)
	}
	if callErr.HTTPStatus() != 429 || callErr.RetryAfter() != 2*time.Second {
		t.Fatalf("status=%d retryAfter=%v", callErr.HTTPStatus(), callErr.RetryAfter())
	}

	result, err := stub.Execute(context.Background(), spec, PromptPack{Prompt: "go"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Status != ledger.StepSucceeded {
		t.Fatalf("status = %s", result.Status)
	}
	if stub.Calls("implement") != 2 {
		t.Fatalf("calls = %d", stub.Calls("implement"))
	}
}

func TestSubsumeExtractsFencedHandoff(t *testing.T) {
	// A bare CLI-style backend with no capabilities at all.
	stub := NewStub()
	bare := &stripCaps{inner: stub}
	wrapped := Subsume(bare)

	if !wrapped.Capabilities().Has(CapStructuredOutput) {
		t.Fatal("subsumed backend must advertise the full set")
	}

	stub.Script("draft", StubOutcome{Text: "I finished.\n\n```json\n{\"status\":\"VERIFIED\",\"summary\":{\"what_i_did\":\"drafted\"}}\n```\n"})
	result, err := wrapped.Execute(context.Background(), StepSpec{
		StepID: "draft", AgentKey: "planner", OutDir: t.TempDir(),
	}, PromptPack{Prompt: "draft the plan"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Structured) == 0 {
		t.Fatal("wrapper did not extract the fenced handoff")
	}
	h, err := ParseHandoff(result.Structured)
	if err != nil {
		t.Fatalf("parse handoff: %v", err)
	}
	if h.Status != ledger.HandoffVerified {
		t.Fatalf("status = %s", h.Status)
	}
}

// stripCaps hides the stub's native structured output so the subsumption
// bridge is the only path to a handoff.
type stripCaps struct{ inner *Stub }

func (s *stripCaps) Name() string                { return "bare" }
func (s *stripCaps) Capabilities() CapabilitySet { return CapabilitySet{} }
func (s *stripCaps) Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error) {
	result, err := s.inner.Execute(ctx, spec, pack)
	if result != nil {
		result.Structured = nil
	}
	return result, err
}

func TestExtractFencedJSONPrefersLastFence(t *testing.T) {
	text := "first try\n```json\n{\"a\":1}\n```\nrevised\n```json\n{\"a\":2}\n```\n"
	raw, ok := ExtractFencedJSON(text)
	if !ok {
		t.Fatal("no json extracted")
	}
	var v map[string]int
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["a"] != 2 {
		t.Fatalf("got %v, want the last fenced block", v)
	}
}

func TestExtractFencedJSONBareObject(t *testing.T) {
	raw, ok := ExtractFencedJSON(`prefix {"status":"VERIFIED"} suffix`)
	if !ok {
		t.Fatal("bare object not extracted")
	}
	if !json.Valid(raw) {
		t.Fatal("extracted payload is not valid json")
	}
}

func TestExtractFencedJSONRejectsGarbage(t *testing.T) {
	if _, ok := ExtractFencedJSON("no json here"); ok {
		t.Fatal("garbage accepted")
	}
	if _, ok := ExtractFencedJSON("```json\nnot json\n```"); ok {
		t.Fatal("invalid fenced payload accepted")
	}
}

func TestPricerCost(t *testing.T) {
	p := NewPricer(map[string]PriceEntry{
		"small-model": {InputPer1K: 0.25, OutputPer1K: 1.25},
	})
	cost := p.Cost("small-model", ledger.TokenCount{Prompt: 4000, Completion: 1000})
	if want := 0.25*4 + 1.25*1; cost != want {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
	// Dated snapshots fall back to the longest matching prefix.
	if got := p.Cost("small-model-20250815", ledger.TokenCount{Prompt: 1000}); got != 0.25 {
		t.Fatalf("prefix cost = %v", got)
	}
	if got := p.Cost("unknown", ledger.TokenCount{Prompt: 1000}); got != 0 {
		t.Fatalf("unknown model priced at %v", got)
	}
}

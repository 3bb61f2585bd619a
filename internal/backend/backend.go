// Package backend speaks to agent executors. The kernel sees one contract:
// a capability set and an Execute call. Everything engine-specific, and
// every bridge for a capability the engine lacks, stays on this side of the
// boundary so the scheduler carries no backend conditionals.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// Capability names one optional backend feature the kernel can subsume.
type Capability string

const (
	CapStructuredOutput Capability = "structured_output"
	CapStreaming        Capability = "streaming"
	CapHotContext       Capability = "hot_context"
	CapHooks            Capability = "hooks"
)

// CapabilitySet is what a backend advertises.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is advertised.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// FullSet is what Subsume advertises after bridging every gap.
func FullSet() CapabilitySet {
	return CapabilitySet{
		CapStructuredOutput: true,
		CapStreaming:        true,
		CapHotContext:       true,
		CapHooks:            true,
	}
}

// StepSpec identifies the step being executed and where its artifacts go.
type StepSpec struct {
	RunID    string
	Flow     string
	StepID   string
	AgentKey string
	Tier     string
	// OutDir is the step's work directory inside the run ledger. Backends
	// write output artifacts here and nowhere else.
	OutDir string
}

// PromptPack is the assembled input for one call. The context packer builds
// Prompt; SchemaHint and HotContext are filled by the subsumption wrapper
// when the engine cannot take them natively.
type PromptPack struct {
	System          string
	Prompt          string
	SchemaHint      string
	HotContext      string
	MaxOutputTokens int
}

// StepResult is what one Execute call produced.
type StepResult struct {
	Status         ledger.StepStatus
	Engine         string
	OutputTextPath string
	// Structured is the extracted handoff JSON when the backend (or the
	// subsumption wrapper) produced one.
	Structured json.RawMessage
	Tokens     ledger.TokenCount
	CostUSD    float64
	ExitCode   *int
	// Transcript carries exchange records for backends that surface them;
	// the scheduler appends them to the ledger's llm stream.
	Transcript []map[string]any
}

// Backend executes one agent step. Execute must honor ctx cancellation and
// deadline; a deadline hit surfaces as a ctx error, not a hang.
type Backend interface {
	Name() string
	Capabilities() CapabilitySet
	Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error)
}

// CallError is the typed failure a backend returns. It exposes the optional
// interfaces the error classifier sniffs for, so classification needs no
// import of this package.
type CallError struct {
	Engine     string
	Status     int
	Message    string
	Hint       string
	RetryDelay time.Duration
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s call failed (status=%d): %s", e.Engine, e.Status, e.Message)
	}
	return fmt.Sprintf("%s call failed: %s", e.Engine, e.Message)
}

func (e *CallError) HTTPStatus() int           { return e.Status }
func (e *CallError) RetryAfter() time.Duration { return e.RetryDelay }
func (e *CallError) ClassHint() string         { return e.Hint }

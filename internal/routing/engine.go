package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
)

// navigatorTimeout bounds the advisory call. The navigator is cheap and
// small; if it cannot answer quickly the router escalates.
const navigatorTimeout = 30 * time.Second

// Advisor is the navigator's advice channel: one forensic prompt in, one
// short reply out. The engine enforces the vocabulary regardless of what
// comes back.
type Advisor interface {
	Advise(ctx context.Context, prompt string) (string, error)
}

// Forensics is the navigator's entire view of the world: counts and
// identifiers only, never agent prose. Narrow trust starts here.
type Forensics struct {
	Step        string `json:"step"`
	Agent       string `json:"agent"`
	LastStatus  string `json:"last_status"`
	Iteration   int    `json:"iteration"`
	TestsFailed int    `json:"tests_failed"`
	TestsPassed int    `json:"tests_passed"`
	LintIssues  int    `json:"lint_issues"`
	DiffFiles   int    `json:"diff_files"`
	DiffLines   int    `json:"diff_lines"`
	Signature   string `json:"signature,omitempty"`
}

// Query carries everything the router may consult for one decision.
type Query struct {
	Flow     string
	StepID   string
	AgentKey string

	Receipt *ledger.Receipt
	Handoff *ledger.Handoff

	// NextStep is the graph successor, empty at the end of the flow.
	NextStep string

	InLoop   bool
	LoopIter int
	MaxIter  int

	// Signature and SignatureCount describe the step's current failure, as
	// observed by the signature window.
	Signature      string
	SignatureCount int

	// Fatal short-circuits everything: the failure admits no fix path and
	// the decision is TERMINATE by policy.
	Fatal      bool
	FailReason string

	RebaseNeeded bool

	Forensics Forensics
}

// Result is one routing verdict, already persisted when Route returns.
type Result struct {
	Decision   ledger.Decision
	Target     string
	Reason     string
	Source     ledger.DecisionSource
	InputsHash string
}

// Engine evaluates fast paths, then the navigator, and records every
// decision in the ledger followed by its scent entry.
type Engine struct {
	Ledger  *ledger.RunLedger
	Catalog *Catalog
	Advisor Advisor

	mu             sync.Mutex
	detourAttempts map[string]int
}

// NewEngine builds a router over the run's ledger.
func NewEngine(rl *ledger.RunLedger, catalog *Catalog, advisor Advisor) *Engine {
	if catalog == nil {
		catalog = &Catalog{}
	}
	return &Engine{
		Ledger:         rl,
		Catalog:        catalog,
		Advisor:        advisor,
		detourAttempts: map[string]int{},
	}
}

// Route produces one decision and persists it: decision entry first, scent
// entry after. The decision is final by the time the caller sees it.
func (e *Engine) Route(ctx context.Context, q Query) (Result, error) {
	result, matched := e.fastPath(q)
	if !matched {
		result = e.navigate(ctx, q)
	}
	if !result.Decision.Valid() {
		// Defensive mapping; nothing outside the vocabulary leaves here.
		result = Result{Decision: ledger.DecisionEscalate, Reason: "router produced no valid decision", Source: ledger.SourcePolicy}
	}

	if err := e.Ledger.AppendDecision(q.Flow, &ledger.RoutingDecision{
		FromStep:   q.StepID,
		ToStep:     result.Target,
		Decision:   result.Decision,
		Source:     result.Source,
		Reason:     result.Reason,
		InputsHash: result.InputsHash,
	}); err != nil {
		return Result{}, fmt.Errorf("persist routing decision: %w", err)
	}
	confidence := 1.0
	if result.Source == ledger.SourceNavigator {
		confidence = 0.6
	}
	if err := e.Ledger.AppendScent(q.Flow, ledger.ScentEntry{
		Step:       q.StepID,
		Decision:   result.Decision,
		Rationale:  result.Reason,
		Confidence: confidence,
	}); err != nil {
		return Result{}, fmt.Errorf("persist scent entry: %w", err)
	}
	metrics.RoutingDecisions.WithLabelValues(string(result.Decision), string(result.Source)).Inc()
	log.WithFields(log.Fields{
		"flow":     q.Flow,
		"step":     q.StepID,
		"decision": result.Decision,
		"source":   result.Source,
		"reason":   result.Reason,
	}).Info("routed")
	return result, nil
}

// fastPath evaluates the deterministic rules in fixed order.
func (e *Engine) fastPath(q Query) (Result, bool) {
	src := ledger.SourceFastPath
	if q.Fatal {
		return Result{Decision: ledger.DecisionTerminate, Reason: "fatal: " + q.FailReason, Source: ledger.SourcePolicy}, true
	}
	if q.Handoff != nil && q.Handoff.Status == ledger.HandoffBlocked {
		return Result{Decision: ledger.DecisionEscalate, Reason: "handoff blocked: " + q.Handoff.Routing.Reason, Source: src}, true
	}
	if q.Handoff != nil && q.Handoff.Status == ledger.HandoffVerified {
		return Result{Decision: ledger.DecisionContinue, Target: q.NextStep, Reason: "verified", Source: src}, true
	}
	if q.InLoop {
		canHelp := q.Handoff != nil && q.Handoff.Routing.CanFurtherIterationHelp != nil && *q.Handoff.Routing.CanFurtherIterationHelp
		noHelp := q.Handoff != nil && q.Handoff.Routing.CanFurtherIterationHelp != nil && !*q.Handoff.Routing.CanFurtherIterationHelp
		switch {
		case noHelp:
			return Result{Decision: ledger.DecisionContinue, Target: q.NextStep, Reason: "no_viable_fix_path", Source: src}, true
		case canHelp && q.LoopIter < q.MaxIter:
			return Result{Decision: ledger.DecisionLoop, Target: q.StepID, Reason: fmt.Sprintf("iteration %d of %d, critic sees a fix path", q.LoopIter, q.MaxIter), Source: src}, true
		case q.LoopIter >= q.MaxIter:
			return Result{Decision: ledger.DecisionContinue, Target: q.NextStep, Reason: "max_iterations_reached", Source: src}, true
		}
	}
	if q.Signature != "" {
		if entry := e.Catalog.Match(q.Signature); entry != nil && (q.SignatureCount >= 2 || q.InLoop) {
			key := q.Flow + "/" + q.StepID + "/" + entry.Target()
			e.mu.Lock()
			e.detourAttempts[key]++
			attempts := e.detourAttempts[key]
			e.mu.Unlock()
			if attempts > entry.Attempts() {
				return Result{Decision: ledger.DecisionEscalate, Reason: fmt.Sprintf("detour %s exhausted after %d attempts", entry.Target(), attempts-1), Source: src}, true
			}
			return Result{Decision: ledger.DecisionDetour, Target: entry.Target(), Reason: "known signature " + errclass.SignaturePrefix(q.Signature), Source: src}, true
		}
		if q.SignatureCount >= 2 {
			return Result{Decision: ledger.DecisionEscalate, Reason: "signature repeated with no catalog mapping", Source: src}, true
		}
	}
	if q.RebaseNeeded {
		return Result{Decision: ledger.DecisionInjectFlow, Target: "reset", Reason: "rebase needed", Source: src}, true
	}
	return Result{}, false
}

// navigatorPrompt is the closed-schema instruction. The model answers with
// one word; anything else maps to ESCALATE.
const navigatorPrompt = `You are a routing navigator. Given the forensic counts below, answer with exactly one of:
CONTINUE LOOP DETOUR INJECT_FLOW ESCALATE TERMINATE

No explanation. One word. When in doubt, answer ESCALATE.

%s`

// navigate asks the advisor. Every failure mode lands on ESCALATE; the
// navigator can inform a decision but can never widen the vocabulary.
func (e *Engine) navigate(ctx context.Context, q Query) Result {
	pack, err := json.Marshal(q.Forensics)
	if err != nil {
		return Result{Decision: ledger.DecisionEscalate, Reason: "forensic pack marshal failed", Source: ledger.SourcePolicy}
	}
	sum := blake3.Sum256(pack)
	hash := fmt.Sprintf("%x", sum[:8])

	if e.Advisor == nil {
		return Result{Decision: ledger.DecisionEscalate, Reason: "no navigator configured", Source: ledger.SourcePolicy, InputsHash: hash}
	}

	nctx, cancel := context.WithTimeout(ctx, navigatorTimeout)
	defer cancel()
	reply, err := e.Advisor.Advise(nctx, fmt.Sprintf(navigatorPrompt, pack))
	if err != nil {
		return Result{Decision: ledger.DecisionEscalate, Reason: "navigator failed: " + err.Error(), Source: ledger.SourceNavigator, InputsHash: hash}
	}

	word := ledger.Decision(strings.ToUpper(strings.TrimSpace(firstToken(reply))))
	if !word.Valid() {
		return Result{Decision: ledger.DecisionEscalate, Reason: fmt.Sprintf("navigator reply %q outside the vocabulary", firstToken(reply)), Source: ledger.SourceNavigator, InputsHash: hash}
	}
	target := ""
	if word == ledger.DecisionContinue {
		target = q.NextStep
	}
	return Result{Decision: word, Target: target, Reason: "navigator advisory", Source: ledger.SourceNavigator, InputsHash: hash}
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

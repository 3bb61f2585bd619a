// Package ledger is the disk-first, append-only store of record for runs.
// Receipts, handoffs, routing decisions, scent entries, and degradations are
// committed here before the kernel acts on them; everything else (process
// memory, caches, breaker states) is rebuildable from this store.
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion stamps every persisted entity. MAJOR bumps need a migration
// reader; readers accept the current MAJOR and the one below it.
const SchemaVersion = "1.0.0"

// StepStatus is the terminal state a receipt records for one attempt.
type StepStatus string

const (
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepInterrupted StepStatus = "interrupted"
	StepTimeout     StepStatus = "timeout"
)

// HandoffStatus is the self-declared verification state of a handoff.
type HandoffStatus string

const (
	HandoffVerified   HandoffStatus = "VERIFIED"
	HandoffUnverified HandoffStatus = "UNVERIFIED"
	HandoffBlocked    HandoffStatus = "BLOCKED"
)

// Decision is the closed routing vocabulary. Nothing outside these six words
// ever drives the scheduler.
type Decision string

const (
	DecisionContinue   Decision = "CONTINUE"
	DecisionLoop       Decision = "LOOP"
	DecisionDetour     Decision = "DETOUR"
	DecisionInjectFlow Decision = "INJECT_FLOW"
	DecisionEscalate   Decision = "ESCALATE"
	DecisionTerminate  Decision = "TERMINATE"
)

// Valid reports whether d is one of the six routing words.
func (d Decision) Valid() bool {
	switch d {
	case DecisionContinue, DecisionLoop, DecisionDetour, DecisionInjectFlow, DecisionEscalate, DecisionTerminate:
		return true
	}
	return false
}

// DecisionSource records which layer produced a routing decision.
type DecisionSource string

const (
	SourceFastPath  DecisionSource = "fast_path"
	SourceNavigator DecisionSource = "navigator"
	SourcePolicy    DecisionSource = "policy"
)

// Failure summarizes why an attempt did not succeed.
type Failure struct {
	Class     string `json:"class"`
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

// TokenCount breaks usage down the way backends report it.
type TokenCount struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Receipt is the immutable physics record of one step execution.
type Receipt struct {
	SchemaVersion  string     `json:"schema_version"`
	RunID          string     `json:"run_id"`
	Flow           string     `json:"flow_key"`
	StepID         string     `json:"step_id"`
	AgentKey       string     `json:"agent_key"`
	Engine         string     `json:"engine,omitempty"`
	Mode           string     `json:"mode,omitempty"`
	Attempt        int        `json:"attempt,omitempty"`
	Status         StepStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    time.Time  `json:"completed_at"`
	DurationMS     int64      `json:"duration_ms"`
	Tokens         TokenCount `json:"tokens"`
	CostUSD        float64    `json:"cost_usd"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	CommitSHA      string     `json:"commit_sha,omitempty"`
	Evidence       []string   `json:"evidence,omitempty"`
	ACIDs          []string   `json:"ac_ids,omitempty"`
	BudgetOverflow []string   `json:"budget_overflow,omitempty"`
	Failure        *Failure   `json:"failure,omitempty"`
}

// HandoffMeta identifies the producing step.
type HandoffMeta struct {
	StepID   string `json:"step_id"`
	AgentKey string `json:"agent_key"`
	FlowKey  string `json:"flow_key"`
}

// HandoffSummary is the structured account of what the step did. Evidence
// maps claims to artifact paths; transcripts never appear inline.
type HandoffSummary struct {
	WhatIDid     string            `json:"what_i_did"`
	WhatIFound   string            `json:"what_i_found,omitempty"`
	KeyDecisions []string          `json:"key_decisions,omitempty"`
	Evidence     map[string]string `json:"evidence,omitempty"`
}

// Concern is one issue a critic or author wants downstream to see.
type Concern struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Location       string `json:"location,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// HandoffRouting is the producer's routing hint. The router treats it as
// advisory input, never as the decision.
type HandoffRouting struct {
	Recommendation          string `json:"recommendation,omitempty"`
	CanFurtherIterationHelp *bool  `json:"can_further_iteration_help,omitempty"`
	Reason                  string `json:"reason,omitempty"`
}

// Handoff is the structured envelope a step leaves for its successors.
type Handoff struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Meta          HandoffMeta    `json:"meta"`
	Status        HandoffStatus  `json:"status"`
	Summary       HandoffSummary `json:"summary"`
	Concerns      []Concern      `json:"concerns,omitempty"`
	Assumptions   []string       `json:"assumptions,omitempty"`
	Routing       HandoffRouting `json:"routing"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RoutingDecision is the persisted routing record for one step boundary.
type RoutingDecision struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Flow          string         `json:"flow_key"`
	FromStep      string         `json:"from_step"`
	ToStep        string         `json:"to_step,omitempty"`
	Decision      Decision       `json:"decision"`
	Source        DecisionSource `json:"source"`
	Reason        string         `json:"reason"`
	InputsHash    string         `json:"inputs_hash,omitempty"`
	At            time.Time      `json:"at"`
}

// ScentEntry is one breadcrumb in a flow's scent trail. Corrections are new
// entries; prior entries are never rewritten.
type ScentEntry struct {
	Step       string    `json:"step"`
	Decision   Decision  `json:"decision"`
	Rationale  string    `json:"rationale"`
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Degradation records a capability the run had to give up and why. It
// feeds dashboards, never routing.
type Degradation struct {
	At          time.Time `json:"at"`
	Component   string    `json:"component"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	Remediation string    `json:"remediation,omitempty"`
}

// Event is one line in events.jsonl, the run's forensic timeline.
type Event struct {
	Seq    int64          `json:"seq"`
	At     time.Time      `json:"at"`
	Type   string         `json:"type"`
	Flow   string         `json:"flow,omitempty"`
	StepID string         `json:"step_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Event type vocabulary written by the kernel.
const (
	EventStepStart      = "step_start"
	EventStepFinalized  = "step_finalized"
	EventRouteDecision  = "route_decision"
	EventPause          = "pause"
	EventResume         = "resume"
	EventAbort          = "abort"
	EventTimeout        = "timeout_event"
	EventEscalation     = "escalation"
	EventGateVerdict    = "gate_verdict"
	EventDegradation    = "degradation"
	EventBreakerChange  = "breaker_change"
	EventRunStatus      = "run_status"
	EventQuarantine     = "quarantine"
	EventSuperseded     = "receipt_superseded"
	EventIncident       = "incident"
	EventMicroloopExit  = "microloop_exit"
	EventBudgetExceeded = "budget_exceeded"
)

// RunStatus is the lifecycle state kept in meta.json.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunEscalated RunStatus = "escalated"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the status admits no further scheduling. A
// paused or escalated run stays resumable.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunAborted
}

// RunSpec is what the operator asked for, frozen at run creation.
type RunSpec struct {
	Flows     []string `json:"flows"`
	Mode      string   `json:"mode"`
	BudgetUSD float64  `json:"budget_usd"`
	PlanFrom  string   `json:"plan_from,omitempty"`
}

// RunMeta is the mutable run manifest. It is run state, not a ledger entity:
// it is rewritten atomically on status transitions while entity files stay
// append-only.
type RunMeta struct {
	SchemaVersion  string    `json:"schema_version"`
	RunID          string    `json:"run_id"`
	Spec           RunSpec   `json:"spec"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Status         RunStatus `json:"status"`
	StatusReason   string    `json:"status_reason,omitempty"`
	// CumulativeCost is spend as incurred; the call that exhausts the
	// budget can leave it above the cap.
	CumulativeCost float64   `json:"cumulative_cost"`
	Tokens         TokenCount `json:"tokens,omitempty"`
	ActiveFlow     string    `json:"active_flow,omitempty"`
}

// CheckVersion rejects entities from an incompatible schema MAJOR. The
// current reader accepts its own MAJOR and MAJOR-1.
func CheckVersion(v string) error {
	if v == "" {
		return fmt.Errorf("schema_version missing")
	}
	major := func(s string) (int, error) {
		head, _, _ := strings.Cut(s, ".")
		return strconv.Atoi(head)
	}
	got, err := major(v)
	if err != nil {
		return fmt.Errorf("schema_version %q not semver", v)
	}
	cur, _ := major(SchemaVersion)
	if got != cur && got != cur-1 {
		return fmt.Errorf("schema_version %q unsupported (reader speaks %s and MAJOR %d)", v, SchemaVersion, cur-1)
	}
	return nil
}

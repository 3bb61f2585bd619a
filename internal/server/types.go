package server

import (
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Flows names the plan flows to run, in order. Empty means every flow
	// the plan declares.
	Flows []string `json:"flows,omitempty"`

	// Mode selects the backend mode recorded on the run (e.g. "stub",
	// "live"). Informational; the server's backend is fixed at startup.
	Mode string `json:"mode,omitempty"`

	// BudgetUSD is the run's hard cost cap. Zero means unmetered.
	BudgetUSD float64 `json:"budget_usd,omitempty"`
}

// SubmitRunResponse acknowledges an accepted run.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunSummary is one row of GET /runs.
type RunSummary struct {
	RunID      string           `json:"run_id"`
	Status     ledger.RunStatus `json:"status"`
	Reason     string           `json:"status_reason,omitempty"`
	ActiveFlow string           `json:"active_flow,omitempty"`
	CostUSD    float64          `json:"cost_usd"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ResolveRequest is the POST /runs/{id}/escalations/{key}/resolve body. The
// decision must come from the routing vocabulary; ESCALATE is rejected.
type ResolveRequest struct {
	Decision   string `json:"decision"`
	Target     string `json:"target,omitempty"`
	Note       string `json:"note,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// PlatformStatus is returned by GET /platform/status: the configured engine
// and which capabilities it carries natively versus through bridging.
type PlatformStatus struct {
	Engine     string            `json:"engine"`
	Native     map[string]bool   `json:"native_capabilities"`
	Bridged    []string          `json:"bridged_capabilities,omitempty"`
	PlanFlows  []string          `json:"plan_flows"`
	ActiveRuns int               `json:"active_runs"`
	Detours    map[string]string `json:"detour_catalog,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Package runstate assembles read-only status snapshots of a run from its
// ledger. The CLI status command and the HTTP surface both render from the
// same snapshot, so operators see one truth regardless of the door they
// knock on.
package runstate

import (
	"syscall"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// eventTail is how many trailing events a snapshot carries.
const eventTail = 20

// FlowProgress holds one flow's committed artifacts: counts plus the
// receipts themselves, in commit order.
type FlowProgress struct {
	Flow      string            `json:"flow"`
	Receipts  int               `json:"receipts"`
	Decisions int               `json:"decisions"`
	Steps     []*ledger.Receipt `json:"steps,omitempty"`
}

// Snapshot is the full status view of one run.
type Snapshot struct {
	Meta        *ledger.RunMeta      `json:"meta"`
	OwnerAlive  bool                 `json:"owner_alive"`
	OwnerPID    int                  `json:"owner_pid,omitempty"`
	Cursor      *ledger.Cursor       `json:"cursor,omitempty"`
	Flows       []FlowProgress       `json:"flows,omitempty"`
	Escalations []*ledger.Escalation `json:"escalations,omitempty"`
	Unresolved  int                  `json:"unresolved_escalations"`
	Events      []ledger.Event       `json:"events,omitempty"`
	AsOf        time.Time            `json:"as_of"`
}

// Collect builds a snapshot for the run. It only reads; a snapshot of a
// live run is a consistent-enough view for operators, not a transaction.
func Collect(store *ledger.Store, runID string, now time.Time) (*Snapshot, error) {
	rl, err := store.OpenRun(runID)
	if err != nil {
		return nil, err
	}
	meta, err := rl.Meta()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Meta:   meta,
		Cursor: rl.ReadCursor(),
		AsOf:   now.UTC(),
	}

	if pid := rl.ReadPID(); pid > 0 {
		snap.OwnerPID = pid
		snap.OwnerAlive = processAlive(pid)
	}

	for _, flow := range meta.Spec.Flows {
		progress := FlowProgress{Flow: flow}
		if decisions, err := rl.ReadDecisions(flow); err == nil {
			progress.Decisions = len(decisions)
		}
		if receipts, err := rl.ListReceipts(flow); err == nil {
			progress.Receipts = len(receipts)
			progress.Steps = receipts
		}
		snap.Flows = append(snap.Flows, progress)
	}

	if escalations, err := rl.ListEscalations(); err == nil {
		snap.Escalations = escalations
		for _, e := range escalations {
			if e.Resolution == nil {
				snap.Unresolved++
			}
		}
	}

	if events, err := rl.ReadEvents(0); err == nil {
		if len(events) > eventTail {
			events = events[len(events)-eventTail:]
		}
		snap.Events = events
	}
	return snap, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

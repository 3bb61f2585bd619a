package runstate

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

func openRun(t *testing.T) (*ledger.Store, *ledger.RunLedger) {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	rl, err := store.Create("run-snapshot", ledger.RunSpec{Flows: []string{"build"}, BudgetUSD: 2}, time.Now())
	require.NoError(t, err)
	return store, rl
}

func TestCollectAssemblesFullSnapshot(t *testing.T) {
	store, rl := openRun(t)

	require.NoError(t, rl.WriteReceipt("build", &ledger.Receipt{
		StepID:   "analyze",
		AgentKey: "worker",
		Status:   ledger.StepSucceeded,
	}))
	require.NoError(t, rl.WriteReceipt("build", &ledger.Receipt{
		StepID:   "implement",
		AgentKey: "worker",
		Status:   ledger.StepFailed,
	}))
	require.NoError(t, rl.AppendDecision("build", &ledger.RoutingDecision{
		FromStep: "analyze",
		ToStep:   "implement",
		Decision: ledger.DecisionContinue,
		Source:   ledger.SourceFastPath,
		Reason:   "step verified",
	}))
	require.NoError(t, rl.WriteCursor("build", "analyze"))
	require.NoError(t, rl.WritePID(os.Getpid()))
	require.NoError(t, rl.WriteEscalation(&ledger.Escalation{
		Key:    "esc-1",
		Flow:   "build",
		StepID: "implement",
		Reason: "unroutable failure",
	}))

	snap, err := Collect(store, rl.RunID(), time.Now())
	require.NoError(t, err)

	require.Equal(t, []string{"build"}, snap.Meta.Spec.Flows)
	require.True(t, snap.OwnerAlive)
	require.Equal(t, os.Getpid(), snap.OwnerPID)
	require.NotNil(t, snap.Cursor)
	require.Equal(t, "analyze", snap.Cursor.StepID)
	require.Len(t, snap.Flows, 1)
	require.Equal(t, 2, snap.Flows[0].Receipts)
	require.Len(t, snap.Flows[0].Steps, 2)
	require.Equal(t, "analyze", snap.Flows[0].Steps[0].StepID)
	require.Equal(t, "implement", snap.Flows[0].Steps[1].StepID)
	require.Equal(t, 1, snap.Flows[0].Decisions)
	require.Equal(t, 1, snap.Unresolved)
	require.Len(t, snap.Escalations, 1)
	require.False(t, snap.AsOf.IsZero())
}

func TestCollectExcludesSupersededReceipts(t *testing.T) {
	store, rl := openRun(t)

	require.NoError(t, rl.WriteReceipt("build", &ledger.Receipt{
		StepID:   "analyze",
		AgentKey: "worker",
		Status:   ledger.StepFailed,
	}))
	require.NoError(t, rl.SupersedeReceipt("build", "analyze", "worker"))

	snap, err := Collect(store, rl.RunID(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, snap.Flows[0].Receipts)
	require.Empty(t, snap.Flows[0].Steps)

	require.NoError(t, rl.WriteReceipt("build", &ledger.Receipt{
		StepID:   "analyze",
		AgentKey: "worker",
		Status:   ledger.StepSucceeded,
	}))
	snap, err = Collect(store, rl.RunID(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Flows[0].Receipts)
}

func TestCollectTruncatesEventTail(t *testing.T) {
	store, rl := openRun(t)

	total := eventTail + 5
	for i := 0; i < total; i++ {
		_, err := rl.AppendEvent(ledger.Event{Type: ledger.EventRunStatus, Flow: "build"})
		require.NoError(t, err)
	}

	snap, err := Collect(store, rl.RunID(), time.Now())
	require.NoError(t, err)
	require.Len(t, snap.Events, eventTail)
	require.Equal(t, int64(total), snap.Events[len(snap.Events)-1].Seq)
}

func TestCollectUnknownRunFails(t *testing.T) {
	store, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	_, err = Collect(store, "no-such-run", time.Now())
	require.Error(t, err)
}

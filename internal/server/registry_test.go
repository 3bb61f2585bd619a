package server

import (
	"errors"
	"testing"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRunRegistry()
	host := &RunHost{RunID: "run-1", Broadcaster: NewBroadcaster(), StartedAt: time.Now()}

	if err := r.Register("run-1", host); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("run-1", host); err == nil {
		t.Fatal("duplicate register succeeded")
	}

	got, ok := r.Get("run-1")
	if !ok || got.RunID != "run-1" {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	if _, ok := r.Get("run-2"); ok {
		t.Fatal("got a host that was never registered")
	}
}

func TestRegistryActiveCountsUnfinished(t *testing.T) {
	r := NewRunRegistry()
	a := &RunHost{RunID: "a", Broadcaster: NewBroadcaster()}
	b := &RunHost{RunID: "b", Broadcaster: NewBroadcaster()}
	if err := r.Register("a", a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.Register("b", b); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if got := r.Active(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}

	b.SetResult(&ledger.RunMeta{RunID: "b", Status: ledger.RunCompleted}, nil)
	if got := r.Active(); got != 1 {
		t.Fatalf("active after finish = %d, want 1", got)
	}

	meta, err, done := b.Done()
	if !done || err != nil || meta.Status != ledger.RunCompleted {
		t.Fatalf("done = (%+v, %v, %v)", meta, err, done)
	}
}

func TestRunHostResultError(t *testing.T) {
	h := &RunHost{RunID: "x", Broadcaster: NewBroadcaster()}
	wantErr := errors.New("drive failed")
	h.SetResult(nil, wantErr)
	_, err, done := h.Done()
	if !done || !errors.Is(err, wantErr) {
		t.Fatalf("done = (%v, %v)", err, done)
	}
}

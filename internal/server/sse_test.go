package server

import (
	"testing"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

func TestBroadcaster_SendAndSubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Send(ledger.Event{Seq: 1, Type: ledger.EventStepStart, StepID: "analyze"})

	select {
	case ev := <-ch:
		if ev.Type != ledger.EventStepStart || ev.StepID != "analyze" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_HistoryReplay(t *testing.T) {
	b := NewBroadcaster()

	b.Send(ledger.Event{Seq: 1, Type: ledger.EventStepStart})
	b.Send(ledger.Event{Seq: 2, Type: ledger.EventStepFinalized})

	ch, _, unsub := b.Subscribe()
	defer unsub()

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed event")
		}
	}
	if types[0] != ledger.EventStepStart || types[1] != ledger.EventStepFinalized {
		t.Fatalf("unexpected replay order: %v", types)
	}
	if got := b.LastSeq(); got != 2 {
		t.Errorf("LastSeq = %d, want 2", got)
	}
}

func TestBroadcaster_CloseSignalsDone(t *testing.T) {
	b := NewBroadcaster()
	ch, done, unsub := b.Subscribe()
	defer unsub()

	b.Send(ledger.Event{Seq: 1, Type: ledger.EventRunStatus})
	b.Close()

	var count int
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("received %d events, want 1", count)
	}
	select {
	case <-done:
	default:
		t.Fatal("done channel not closed after Close")
	}

	// Send after close is a no-op.
	b.Send(ledger.Event{Seq: 2})
	if got := len(b.History()); got != 1 {
		t.Errorf("history after close = %d events, want 1", got)
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Send(ledger.Event{Seq: 1, Type: ledger.EventRunStatus})
	b.Close()

	ch, done, unsub := b.Subscribe()
	defer unsub()

	var count int
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("replay after close delivered %d events, want 1", count)
	}
	select {
	case <-done:
	default:
		t.Fatal("done channel should read closed for a finished run")
	}
}

func TestBroadcaster_SlowClientDropped(t *testing.T) {
	b := NewBroadcaster()
	ch, done, unsub := b.Subscribe()
	defer unsub()

	// Overflow the client's buffer without reading.
	for i := 0; i < cap(ch)+8; i++ {
		b.Send(ledger.Event{Seq: int64(i + 1)})
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				// Dropped for slowness; the run itself is still live.
				select {
				case <-done:
					t.Fatal("done closed on slow-client drop")
				default:
				}
				return
			}
		case <-deadline:
			t.Fatal("slow client never dropped")
		}
	}
}

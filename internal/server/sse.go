package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// Broadcaster fans out a run's ledger events to multiple SSE clients. One
// Broadcaster per hosted run. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []ledger.Event
	clients map[uint64]chan ledger.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on broadcaster Close(), not slow-client drops
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan ledger.Event),
		doneCh:  make(chan struct{}),
	}
}

// Send appends an event to history and forwards it to every subscriber.
func (b *Broadcaster) Send(ev ledger.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop it rather than stall the run's event tail.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// LastSeq returns the sequence number of the newest event seen, or 0.
func (b *Broadcaster) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return 0
	}
	return b.history[len(b.history)-1].Seq
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays all history first, then live events.
// The done channel closes only when the run finished, never on a
// slow-client drop, so callers can tell the two apart.
func (b *Broadcaster) Subscribe() (<-chan ledger.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ledger.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold the whole replay, so this never blocks under the lock.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that the run produced its last event.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event received so far.
func (b *Broadcaster) History() []ledger.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ledger.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a broadcaster's events to the client as Server-Sent
// Events: replay first, then live until the run or the client is done.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Emit "done" only when the run actually finished, not when
				// this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// writeStaticSSE replays an already-terminal run's events and closes. Used
// when the run is not hosted by this process.
func writeStaticSSE(w http.ResponseWriter, events []ledger.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

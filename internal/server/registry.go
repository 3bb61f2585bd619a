package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// RunHost tracks one run this server launched: its event broadcaster and
// its terminal outcome once the drive returns. The ledger stays the source
// of truth; the host only adds the live-streaming surface.
type RunHost struct {
	RunID       string
	Broadcaster *Broadcaster
	StartedAt   time.Time

	mu   sync.Mutex
	meta *ledger.RunMeta
	err  error
	done bool
}

// SetResult records the drive's terminal outcome.
func (h *RunHost) SetResult(meta *ledger.RunMeta, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.meta = meta
	h.err = err
	h.done = true
}

// Done reports whether the drive returned, and with what.
func (h *RunHost) Done() (*ledger.RunMeta, error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta, h.err, h.done
}

// RunRegistry tracks the runs hosted by this server instance.
type RunRegistry struct {
	mu    sync.RWMutex
	hosts map[string]*RunHost
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{hosts: make(map[string]*RunHost)}
}

// Register adds a host; a duplicate run id is an error.
func (r *RunRegistry) Register(runID string, h *RunHost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hosts[runID]; exists {
		return fmt.Errorf("run %s already hosted", runID)
	}
	r.hosts[runID] = h
	return nil
}

// Get returns a host by run id.
func (r *RunRegistry) Get(runID string) (*RunHost, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[runID]
	return h, ok
}

// List returns all hosted run ids.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	return ids
}

// Active counts hosts whose drive has not returned yet.
func (r *RunRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, h := range r.hosts {
		if _, _, done := h.Done(); !done {
			n++
		}
	}
	return n
}

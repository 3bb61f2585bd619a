package errclass

import "sync"

// SignatureWindow remembers recent failure signatures per key so the router
// and the micro-loop can spot a step failing the same way twice. State is
// in-memory only; a restarted process starts with an empty window and
// rebuilds from fresh observations.
type SignatureWindow struct {
	mu     sync.Mutex
	seen   map[string]map[string]int
	perKey int
	order  map[string][]string
}

// NewSignatureWindow keeps up to perKey distinct signatures per key.
func NewSignatureWindow(perKey int) *SignatureWindow {
	if perKey <= 0 {
		perKey = 8
	}
	return &SignatureWindow{
		seen:   map[string]map[string]int{},
		order:  map[string][]string{},
		perKey: perKey,
	}
}

// Observe records sig under key and returns how many times it has now been
// seen, including this observation.
func (w *SignatureWindow) Observe(key, sig string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	bucket := w.seen[key]
	if bucket == nil {
		bucket = map[string]int{}
		w.seen[key] = bucket
	}
	if _, known := bucket[sig]; !known {
		w.order[key] = append(w.order[key], sig)
		if len(w.order[key]) > w.perKey {
			oldest := w.order[key][0]
			w.order[key] = w.order[key][1:]
			delete(bucket, oldest)
		}
	}
	bucket[sig]++
	return bucket[sig]
}

// Count returns how many times sig was observed under key.
func (w *SignatureWindow) Count(key, sig string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen[key][sig]
}

// Reset clears the window for one key, used when a step finally succeeds.
func (w *SignatureWindow) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
	delete(w.order, key)
}

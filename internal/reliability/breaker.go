package reliability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
)

// ErrBreakerEscalate means a target kept failing through breaker trips and
// the run should escalate rather than keep probing.
var ErrBreakerEscalate = errors.New("target failing persistently, escalate")

const (
	tripThreshold     = 3
	escalateThreshold = 5
	openCooldown      = 30 * time.Second
)

// BreakerSet holds one circuit breaker per call target. State is in-memory;
// a restarted process starts every target closed and relearns failures.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*targetBreaker
	cooldown time.Duration
	// OnChange observes state transitions for the event stream.
	OnChange func(target, from, to string)
}

type targetBreaker struct {
	cb *gobreaker.CircuitBreaker
	// consecutive counts failures across trips; gobreaker resets its own
	// counter on each state change.
	consecutive int
	openedAt    *time.Time
}

// NewBreakerSet returns an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: map[string]*targetBreaker{}, cooldown: openCooldown}
}

func (s *BreakerSet) forTarget(target string) *targetBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb, ok := s.breakers[target]; ok {
		return tb
	}
	tb := &targetBreaker{}
	tb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     s.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			now := time.Now().UTC()
			s.mu.Lock()
			if to == gobreaker.StateOpen {
				tb.openedAt = &now
			} else {
				tb.openedAt = nil
			}
			onChange := s.OnChange
			s.mu.Unlock()
			metrics.BreakerTransitions.WithLabelValues(name, stateName(to)).Inc()
			if onChange != nil {
				onChange(name, stateName(from), stateName(to))
			}
		},
	})
	s.breakers[target] = tb
	return tb
}

// Do runs fn through the target's breaker. While the breaker is open, calls
// fail fast with gobreaker.ErrOpenState and never reach fn. Once the target
// accumulates escalateThreshold consecutive failures the returned error
// additionally matches ErrBreakerEscalate.
func (s *BreakerSet) Do(target string, fn func() error) error {
	tb := s.forTarget(target)
	_, err := tb.cb.Execute(func() (any, error) {
		return nil, fn()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		tb.consecutive = 0
		return nil
	}
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		tb.consecutive++
	}
	if tb.consecutive >= escalateThreshold {
		return fmt.Errorf("%s failed %d consecutive calls (%w): %v", target, tb.consecutive, ErrBreakerEscalate, err)
	}
	return err
}

// Snapshots exports the current states for forensics.
func (s *BreakerSet) Snapshots() []ledger.BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]ledger.BreakerSnapshot, 0, len(s.breakers))
	for target, tb := range s.breakers {
		snaps = append(snaps, ledger.BreakerSnapshot{
			Target:              target,
			State:               stateName(tb.cb.State()),
			ConsecutiveFailures: tb.consecutive,
			OpenedAt:            tb.openedAt,
		})
	}
	return snaps
}

func stateName(st gobreaker.State) string {
	// gobreaker renders "half-open"; the ledger vocabulary is upper snake.
	return strings.ToUpper(strings.ReplaceAll(st.String(), "-", "_"))
}

// IsFastFail reports whether the error is the breaker refusing the call
// without invoking the target.
func IsFastFail(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

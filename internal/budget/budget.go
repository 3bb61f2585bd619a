// Package budget owns time and money for a run: the clock other components
// consult, the cost meter that gates backend calls, and the nested deadline
// scopes every blocking operation inherits.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExhausted means the run's cost cap is reached. The caller stops
// issuing backend calls and aborts the run.
var ErrBudgetExhausted = errors.New("budget exhausted")

// Clock is the time authority. Components never call time.Now directly so
// tests can drive schedules deterministically.
type Clock interface {
	Now() time.Time
}

// WallClock is the production clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// FakeClock is a hand-advanced clock for tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock starts a fake clock at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Meter tracks cumulative spend against a hard cap. A zero cap means
// unmetered (selftest and stub runs).
type Meter struct {
	mu        sync.Mutex
	capUSD    float64
	spentUSD  float64
	tokensIn  int64
	tokensOut int64
}

// NewMeter returns a meter with the given cap in USD.
func NewMeter(capUSD float64) *Meter {
	return &Meter{capUSD: capUSD}
}

// Check fails when the cap is already reached. Callers consult it before
// issuing a backend call.
func (m *Meter) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capUSD > 0 && m.spentUSD >= m.capUSD {
		return fmt.Errorf("spent %.4f of %.4f USD: %w", m.spentUSD, m.capUSD, ErrBudgetExhausted)
	}
	return nil
}

// Charge records cost that was actually incurred. It returns
// ErrBudgetExhausted when the recorded total reaches the cap; the charge is
// still recorded, the signal tells the caller to abort.
func (m *Meter) Charge(costUSD float64, tokensIn, tokensOut int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spentUSD += costUSD
	m.tokensIn += int64(tokensIn)
	m.tokensOut += int64(tokensOut)
	if m.capUSD > 0 && m.spentUSD >= m.capUSD {
		return fmt.Errorf("spent %.4f of %.4f USD: %w", m.spentUSD, m.capUSD, ErrBudgetExhausted)
	}
	return nil
}

// Snapshot returns the cumulative totals.
func (m *Meter) Snapshot() (spentUSD float64, tokensIn, tokensOut int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spentUSD, m.tokensIn, m.tokensOut
}

// Cap returns the configured cap in USD.
func (m *Meter) Cap() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capUSD
}

// Scope names one level of the timeout hierarchy.
type Scope string

const (
	ScopeFlow  Scope = "flow"
	ScopeStep  Scope = "step"
	ScopeCall  Scope = "call"
	ScopeSkill Scope = "skill"
)

// Limits pairs the warning threshold with the enforced ceiling.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// limits is the fixed hierarchy. Inner scopes are always clamped by outer
// deadlines, so a step can never outlive its flow.
var limits = map[Scope]Limits{
	ScopeFlow:  {Soft: 30 * time.Minute, Hard: 45 * time.Minute},
	ScopeStep:  {Soft: 10 * time.Minute, Hard: 15 * time.Minute},
	ScopeCall:  {Soft: 2 * time.Minute, Hard: 3 * time.Minute},
	ScopeSkill: {Soft: 5 * time.Minute, Hard: 10 * time.Minute},
}

// LimitsFor returns the soft/hard pair for a scope.
func LimitsFor(s Scope) Limits { return limits[s] }

// WithScope derives a context carrying the scope's hard deadline, clamped by
// any enclosing deadline. hardOverride > 0 replaces the default ceiling but
// is still clamped to the scope's hard limit.
func WithScope(ctx context.Context, s Scope, hardOverride time.Duration) (context.Context, context.CancelFunc) {
	lim := limits[s]
	hard := lim.Hard
	if hardOverride > 0 && hardOverride < hard {
		hard = hardOverride
	}
	return context.WithTimeout(ctx, hard)
}

// SoftWatch invokes onSoft once when the scope's soft threshold elapses
// before ctx is done. The returned stop func releases the timer.
func SoftWatch(ctx context.Context, s Scope, onSoft func()) (stop func()) {
	lim := limits[s]
	timer := time.AfterFunc(lim.Soft, func() {
		select {
		case <-ctx.Done():
		default:
			onSoft()
		}
	})
	return func() { timer.Stop() }
}

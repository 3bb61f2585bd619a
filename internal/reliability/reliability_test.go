package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/errclass"
)

type statusErr struct {
	status int
	after  time.Duration
}

func (e *statusErr) Error() string             { return "call failed" }
func (e *statusErr) HTTPStatus() int           { return e.status }
func (e *statusErr) RetryAfter() time.Duration { return e.after }

func newTestEngine() (*Engine, *[]time.Duration) {
	e := NewEngine(budget.WallClock{})
	var slept []time.Duration
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestDelayForAttemptDeterministicAndCapped(t *testing.T) {
	cfg := DefaultBackoff()
	a := DelayForAttempt(3, cfg, "run:step:3")
	b := DelayForAttempt(3, cfg, "run:step:3")
	if a != b {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
	if c := DelayForAttempt(3, cfg, "run:step:other"); c == a {
		t.Fatalf("different seeds gave identical jitter %v", c)
	}
	if d := DelayForAttempt(30, cfg, "x"); d > cfg.MaxDelay {
		t.Fatalf("delay %v above cap %v", d, cfg.MaxDelay)
	}
}

func TestDoRetriesTransientUpToFive(t *testing.T) {
	e, slept := newTestEngine()
	calls := 0
	_, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
		calls++
		return &statusErr{status: 500}
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	if len(*slept) != 4 {
		t.Fatalf("slept %d times, want 4", len(*slept))
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	e, slept := newTestEngine()
	calls := 0
	out, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &statusErr{status: 429, after: 2 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Fatalf("slept %v, want one 2s delay", *slept)
	}
	if len(out.Retries) != 1 || out.Retries[0].DelayMS != 2000 {
		t.Fatalf("retry trace = %+v", out.Retries)
	}
}

func TestDoRetriableHasNoBackoffMaxThree(t *testing.T) {
	e, slept := newTestEngine()
	calls := 0
	_, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
		calls++
		return errors.New("failed to parse model output")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	for _, d := range *slept {
		if d != 0 {
			t.Fatalf("retriable retries must not back off, slept %v", d)
		}
	}
}

func TestDoPermanentAndFatalNeverRetry(t *testing.T) {
	for _, status := range []int{404, 401} {
		e, _ := newTestEngine()
		calls := 0
		out, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
			calls++
			return &statusErr{status: status}
		})
		if err == nil || calls != 1 {
			t.Fatalf("status %d: calls=%d err=%v", status, calls, err)
		}
		if out.Classified == nil || out.Classified.Category < errclass.Permanent {
			t.Fatalf("status %d classified %+v", status, out.Classified)
		}
	}
}

func TestBreakerSamplesWholeRetrySequence(t *testing.T) {
	e, _ := newTestEngine()
	calls := 0
	// Each exhausted transient sequence is one breaker failure; the retries
	// inside a sequence never trip it mid-schedule.
	for i := 0; i < 3; i++ {
		seq := 0
		_, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
			seq++
			calls++
			return &statusErr{status: 500}
		})
		if err == nil || IsFastFail(err) {
			t.Fatalf("sequence %d: %v", i, err)
		}
		if seq != 5 {
			t.Fatalf("sequence %d made %d calls, want 5", i, seq)
		}
	}
	// Three failed sequences open the target; the next sequence is refused
	// without invoking the operation.
	out, err := e.Do(context.Background(), "backend", "seed", budget.ScopeCall, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !IsFastFail(err) {
		t.Fatalf("got %v, want open-state fast fail", err)
	}
	if calls != 15 {
		t.Fatalf("calls = %d, want 15", calls)
	}
	if out.Classified == nil || out.Classified.Reason != "breaker_open" {
		t.Fatalf("classified = %+v", out.Classified)
	}
}

func TestBreakerOpensAfterThreeAndFastFails(t *testing.T) {
	s := NewBreakerSet()
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := s.Do("api", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	called := false
	err := s.Do("api", func() error { called = true; return nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("got %v, want open-state fast fail", err)
	}
	if called {
		t.Fatal("open breaker invoked the target")
	}
	snaps := s.Snapshots()
	if len(snaps) != 1 || snaps[0].State != "OPEN" || snaps[0].OpenedAt == nil {
		t.Fatalf("snapshot = %+v", snaps)
	}
}

func TestBreakerEscalatesAfterFailedProbes(t *testing.T) {
	s := NewBreakerSet()
	s.cooldown = 10 * time.Millisecond
	boom := errors.New("boom")
	// Three failures trip the breaker.
	for i := 0; i < 3; i++ {
		if err := s.Do("api", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Each cooled-down half-open probe that fails re-opens the breaker and
	// raises the consecutive count; the fifth failure escalates.
	var err error
	for i := 0; i < 2; i++ {
		time.Sleep(15 * time.Millisecond)
		err = s.Do("api", func() error { return boom })
		if IsFastFail(err) {
			t.Fatalf("probe %d fast-failed after cooldown", i)
		}
	}
	if !errors.Is(err, ErrBreakerEscalate) {
		t.Fatalf("got %v, want ErrBreakerEscalate", err)
	}
}

func TestBreakerClosesOnProbeSuccess(t *testing.T) {
	s := NewBreakerSet()
	s.cooldown = 10 * time.Millisecond
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = s.Do("api", func() error { return boom })
	}
	time.Sleep(15 * time.Millisecond)
	if err := s.Do("api", func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := s.Do("api", func() error { return nil }); err != nil {
		t.Fatalf("closed call: %v", err)
	}
	snaps := s.Snapshots()
	if snaps[0].State != "CLOSED" || snaps[0].ConsecutiveFailures != 0 {
		t.Fatalf("snapshot = %+v", snaps[0])
	}
}

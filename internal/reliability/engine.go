package reliability

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/errclass"
	"github.com/EffortlessMetrics/docket/internal/metrics"
)

// Retry policy per failure category. Transient failures back off
// exponentially; retriable ones re-run immediately; permanent and fatal
// never retry. Rate limits honor Retry-After up to a cap.
const (
	maxTransientAttempts = 5
	maxRetriableAttempts = 3
	maxRetryAfter        = 300 * time.Second
)

// RetryEvent is one entry of the retry trace, written to the step log.
type RetryEvent struct {
	Attempt  int    `json:"attempt"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
	DelayMS  int64  `json:"delay_ms"`
}

// Outcome summarizes one wrapped call after all attempts.
type Outcome struct {
	Attempts int
	Retries  []RetryEvent
	// Classified is set when the final attempt failed.
	Classified *errclass.Classified
}

// Engine applies the retry, breaker, and per-call deadline policy.
type Engine struct {
	Clock    budget.Clock
	Breakers *BreakerSet
	Backoff  BackoffConfig
	// Sleep is replaceable for tests; the default honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine with default policy.
func NewEngine(clock budget.Clock) *Engine {
	if clock == nil {
		clock = budget.WallClock{}
	}
	return &Engine{
		Clock:    clock,
		Breakers: NewBreakerSet(),
		Backoff:  DefaultBackoff(),
		Sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn under the call scope's deadline, classifying failures and
// retrying per policy. The whole retry sequence is one breaker sample for
// the target: the breaker admits or refuses the sequence up front and
// records only the final outcome, so an open breaker never cuts a retry
// schedule short between attempts. The seed makes the backoff schedule
// reproducible for a given (run, step, target).
func (e *Engine) Do(ctx context.Context, target, seed string, scope budget.Scope, fn func(context.Context) error) (Outcome, error) {
	out := Outcome{}
	err := e.Breakers.Do(target, func() error {
		return e.retry(ctx, target, seed, scope, &out, fn)
	})
	if err != nil && IsFastFail(err) {
		cls := errclass.Classified{
			Category:  errclass.Transient,
			Reason:    "breaker_open",
			Target:    target,
			Signature: errclass.Signature("breaker_open", target, err.Error()),
		}
		out.Classified = &cls
	}
	return out, err
}

// retry is the attempt loop. It never consults the breaker; its caller
// already holds the breaker's admission for the sequence.
func (e *Engine) retry(ctx context.Context, target, seed string, scope budget.Scope, out *Outcome, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return err
		}

		cctx, cancel := budget.WithScope(ctx, scope, 0)
		err := fn(cctx)
		cancel()
		if err == nil {
			out.Classified = nil
			return nil
		}

		cls := errclass.Classify(errclass.Input{Err: err, Target: target})
		out.Classified = &cls
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var limit int
		var delay time.Duration
		switch cls.Category {
		case errclass.Transient:
			limit = maxTransientAttempts
			if cls.RetryAfter > 0 {
				delay = cls.RetryAfter
				if delay > maxRetryAfter {
					delay = maxRetryAfter
				}
			} else {
				delay = DelayForAttempt(attempt, e.Backoff, fmt.Sprintf("%s:%d", seed, attempt))
			}
		case errclass.Retriable:
			limit = maxRetriableAttempts
		default:
			return err
		}
		if attempt >= limit {
			return err
		}

		out.Retries = append(out.Retries, RetryEvent{
			Attempt:  attempt,
			Category: cls.Category.String(),
			Reason:   cls.Reason,
			DelayMS:  delay.Milliseconds(),
		})
		metrics.Retries.WithLabelValues(target, cls.Category.String()).Inc()
		log.WithFields(log.Fields{
			"target":   target,
			"attempt":  attempt,
			"category": cls.Category.String(),
			"reason":   cls.Reason,
			"delay_ms": delay.Milliseconds(),
		}).Info("retrying after failure")

		if err := e.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

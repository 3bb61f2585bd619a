// Package reliability wraps backend and skill calls with the retry, timeout,
// and circuit-breaker policy. Callers hand it a closure and a target name;
// it hands back a classified outcome and the retry trace for the step log.
package reliability

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffConfig shapes the transient retry schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff is exponential from one second, capped at sixty, with
// deterministic jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
	}
}

// DelayForAttempt computes the delay before retry number attempt (1-based):
// initial * factor^(attempt-1) plus up to half of itself in jitter, capped.
// Jitter is derived from the seed, so the same run retries on the same
// schedule every time; randomness never reaches the decision layer.
func DelayForAttempt(attempt int, cfg BackoffConfig, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.Jitter {
		base += 0.5 * base * jitterUnit(seed)
	}
	if cfg.MaxDelay > 0 && base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	return time.Duration(base)
}

// jitterUnit maps a seed to [0,1).
func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u>>11) / float64(1<<53)
}

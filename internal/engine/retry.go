package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Backoff names a retry delay strategy.
type Backoff string

const (
	BackoffNone              Backoff = "none"
	BackoffFixed             Backoff = "fixed"
	BackoffLinear            Backoff = "linear"
	BackoffExponential       Backoff = "exponential"
	BackoffExponentialJitter Backoff = "exponential_jitter"
)

// RetryPolicy decides how long to wait before re-running a failed step.
// The zero value retries immediately.
type RetryPolicy struct {
	Backoff  Backoff
	Delay    time.Duration
	MaxDelay time.Duration

	// DelayFunc, when set, overrides the built-in strategies.
	DelayFunc func(attempt int) time.Duration
}

// ParseRetryPolicy builds a policy from config strings, e.g.
// ("exponential", "500ms", "10s"). Empty durations mean zero.
func ParseRetryPolicy(backoff, delay, maxDelay string) (RetryPolicy, error) {
	p := RetryPolicy{Backoff: Backoff(strings.ToLower(strings.TrimSpace(backoff)))}
	switch p.Backoff {
	case "", BackoffNone, BackoffFixed, BackoffLinear, BackoffExponential, BackoffExponentialJitter:
	default:
		return RetryPolicy{}, fmt.Errorf("unknown retry backoff %q", backoff)
	}
	var err error
	if delay != "" {
		if p.Delay, err = time.ParseDuration(delay); err != nil {
			return RetryPolicy{}, fmt.Errorf("parse retry delay: %w", err)
		}
	}
	if maxDelay != "" {
		if p.MaxDelay, err = time.ParseDuration(maxDelay); err != nil {
			return RetryPolicy{}, fmt.Errorf("parse retry max delay: %w", err)
		}
	}
	return p, nil
}

// maxBackoff caps computed delays so doubling never wraps negative.
const maxBackoff = time.Duration(math.MaxInt64)

// ComputeBackoff returns the wait before retry number attempt (1-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.DelayFunc != nil {
		return p.DelayFunc(attempt)
	}
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffFixed:
		delay = p.Delay
	case BackoffLinear:
		if time.Duration(attempt) > maxBackoff/p.Delay {
			delay = maxBackoff
		} else {
			delay = p.Delay * time.Duration(attempt)
		}
	case BackoffExponential, BackoffExponentialJitter:
		delay = p.Delay
		for i := 1; i < attempt; i++ {
			if delay > maxBackoff/2 {
				delay = maxBackoff
				break
			}
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
		if p.Backoff == BackoffExponentialJitter {
			// Scale into [0.5, 1.5) of the exponential delay.
			scaled := float64(delay) * (0.5 + rand.Float64())
			if scaled >= float64(maxBackoff) {
				delay = maxBackoff
			} else {
				delay = time.Duration(scaled)
			}
		}
	default:
		return 0
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

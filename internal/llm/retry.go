package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls retries for retryable provider errors when opening a
// stream (429, 5xx). Delays grow geometrically and honor Retry-After hints.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// SleepFunc lets tests run retries without real sleeps. Nil means
// context-aware real sleep.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DelayForAttempt computes the delay before retry attempt n (1-indexed).
// Jitter is seeded so a given (seed, attempt) pair is reproducible.
func (p RetryPolicy) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", seed, attempt)) // [0.5, 1.5)
	}
	return time.Duration(d)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// RetryStream invokes open until it succeeds, the error is non-retryable, or
// attempts are exhausted.
func RetryStream(ctx context.Context, policy RetryPolicy, sleep SleepFunc, open func() (Stream, error)) (Stream, error) {
	if sleep == nil {
		sleep = defaultSleep
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s, err := open()
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}
		delay := policy.DelayForAttempt(attempt, "stream")
		var le Error
		if errors.As(err, &le) {
			if ra := le.RetryAfter(); ra != nil && *ra > delay {
				delay = *ra
			}
		}
		if serr := sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

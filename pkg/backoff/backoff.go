// Package backoff provides exponential backoff waits.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrExhausted is returned by Until when every attempt came back not done.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (initial, maxBackoff time.Duration) {
	initial, maxBackoff = 100*time.Millisecond, 5*time.Second
	if c == nil {
		return initial, maxBackoff
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxBackoff = c.Max
	}
	if maxBackoff < initial {
		maxBackoff = initial
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Until calls fn up to attempts times, sleeping with exponential backoff
// between calls, until fn reports done or fails. It returns ErrExhausted
// when the last attempt was still not done.
func Until(ctx context.Context, attempts int, cfg *Config, fn func(context.Context) (bool, error)) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := fn(ctx)
		if err != nil || done {
			return err
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, Exponential(attempt, cfg)); err != nil {
			return err
		}
	}
	return ErrExhausted
}

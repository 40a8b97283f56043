// Package retry runs an operation again with exponential backoff until it
// succeeds, fails permanently, or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config controls how often and how fast an operation is retried
type Config struct {
	Attempts   int           // total tries including the first, at least 1
	Backoff    time.Duration // wait before the second try
	MaxBackoff time.Duration
	Multiplier float64

	// OnRetry, if set, sees every failure that will be retried
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultConfig tries four times over roughly seven seconds
func DefaultConfig() Config {
	return Config{
		Attempts:   4,
		Backoff:    time.Second,
		MaxBackoff: 30 * time.Second,
		Multiplier: 2,
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do calls fn until it returns nil, a Permanent error, or the attempts are
// spent. Cancelling ctx stops the waiting between attempts.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	wait := cfg.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, errors.Join(ctxErr, err))
			}
			return fmt.Errorf("retry cancelled: %w", ctxErr)
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var p permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt >= cfg.Attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
}

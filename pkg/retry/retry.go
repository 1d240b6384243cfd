// Package retry runs an operation a bounded number of times within a single
// activation.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/clock"
)

// Config configures retry behavior.
type Config struct {
	// Attempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	Attempts int `yaml:"attempts"`

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay after each failed attempt.
	Multiplier float64 `yaml:"multiplier"`

	// Clock is used for delays. If nil, uses real time.
	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns the retry budget used for scaling-authority calls.
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is done. It returns the last error.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == cfg.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-clk.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

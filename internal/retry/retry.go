// Package retry re-issues failed backend calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/microgate/gateway/internal/config"
)

// Func is one attempt of the guarded operation.
type Func func(ctx context.Context) error

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do stops retrying and returns it immediately.
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

// Policy drives retries. The zero value retries nothing; build one with
// NewPolicy.
type Policy struct {
	enabled     bool
	maxAttempts int
	factor      float64
	maxDelay    time.Duration
	scaled      bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a policy from config.
func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{
		enabled:     cfg.Enabled,
		maxAttempts: cfg.MaxAttempts,
		factor:      cfg.BackoffFactor,
		maxDelay:    time.Duration(cfg.MaxDelaySeconds) * time.Second,
		scaled:      cfg.BackoffFormula == "scaled",
		sleep:       sleepCtx,
	}
}

// Delay returns the pause before re-running attempt, where attempt
// counts failed attempts starting at 0. The default formula is
// factor^attempt seconds, so the first retry always waits 1s regardless
// of factor; the scaled formula uses factor^(attempt+1). Both cap at
// the configured maximum.
func (p *Policy) Delay(attempt int) time.Duration {
	exp := float64(attempt)
	if p.scaled {
		exp++
	}
	d := time.Duration(math.Pow(p.factor, exp) * float64(time.Second))
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// Do runs fn up to the configured attempt count, sleeping between
// failures. It returns nil on the first success, the last error when
// attempts are exhausted, immediately on a Permanent error, and the
// context error when ctx is done.
func (p *Policy) Do(ctx context.Context, fn Func) error {
	attempts := p.maxAttempts
	if !p.enabled || attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := p.sleep(ctx, p.Delay(attempt-1)); serr != nil {
				return serr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			var perm *permanentError
			errors.As(err, &perm)
			return perm.err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

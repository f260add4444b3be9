// Package retry runs an operation with bounded exponential backoff.
//
// Errors are classified before any retry: transient failures (network errors
// and HTTP 429/502/503/504) are retried until the attempt budget is spent,
// everything else is returned at once. The delay starts at InitialDelay, is
// multiplied by Multiplier after every failure and is capped at MaxDelay. No
// jitter is applied, so the schedule is deterministic.
//
// Do has no side effects beyond calling the operation and waiting between
// attempts, and can wrap any call, not only gateway submissions.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config is the backoff policy for Do.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable classifies errors; nil means IsRetryable.
	Retryable func(error) bool
	// OnRetry, if set, is called before each wait with the 1-based number of
	// the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns 3 attempts, 1s initial delay, 8s cap, factor 2.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Retryable == nil {
		c.Retryable = IsRetryable
	}
	return c
}

// newBackOff builds a jitter-free exponential schedule for c.
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxDelay,
	}
	b.Reset()
	return b
}

// Delays returns the waits Do would perform between n consecutive failures.
func Delays(cfg Config, n int) []time.Duration {
	cfg = cfg.withDefaults()
	b := cfg.newBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do invokes op until it succeeds, fails with a terminal error, or
// cfg.MaxAttempts calls have been made. It returns the last error seen.
// Cancelling ctx interrupts the wait between attempts.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !cfg.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, err, d)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Transient is implemented by errors that mark themselves as worth another
// attempt regardless of their type.
type Transient interface {
	Transient() bool
}

// IsRetryable reports whether err is a transient failure worth retrying:
// connection-level errors, HTTP 429, 502, 503 or 504, and errors that report
// themselves Transient. Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var te Transient
	if errors.As(err, &te) && te.Transient() {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

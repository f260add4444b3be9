// Package services defines the business logic for payment creation, status
// lookup and queue processing. This file centralizes service-level errors so
// that they can be returned consistently and mapped to HTTP results by the
// handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited is wrapped by RateLimitedError.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrJobNotFound indicates that the requested payment job does not exist
	// or is not owned by the caller.
	ErrJobNotFound = errors.New("payment job not found")

	// ErrProcessorBusy is returned when a batch is requested while another
	// batch started by the same processor is still running.
	ErrProcessorBusy = errors.New("queue processor is busy")
)

// ValidationError lists every problem found in a payment request. Problems
// are "field: reason" strings using the JSON field names.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RateLimitedError is returned when the caller exceeded its payment creation
// budget. No job was created.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s; retry after %s", ErrRateLimited, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns how long the caller should wait from now, at least one
// second.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now).Round(time.Second)
	if d < time.Second {
		return time.Second
	}
	return d
}

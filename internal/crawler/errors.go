package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by stores, the router and the worker.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrLeaseLost         = errors.New("lease lost")
	ErrNoEngineAvailable = errors.New("no engine available")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrTaskExpired       = errors.New("task expired")
	ErrConcurrencyLimit  = errors.New("concurrency limit exceeded")
)

// RetryableError marks a failure that may be retried within the task's budget.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Terminal wraps err as terminal.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err was classified terminal anywhere in its chain.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// RateLimitExceededError is returned when a credential exhausts its window.
type RateLimitExceededError struct {
	Key        string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: limit %d per window, retry after %s", e.Limit, e.RetryAfter)
}

// InsufficientCreditsError is returned when a deduction exceeds the balance.
type InsufficientCreditsError struct {
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

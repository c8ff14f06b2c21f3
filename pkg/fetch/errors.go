package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends before
	// the origin answered.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrCircuitOpen is returned while the breaker for a host rejects requests.
	ErrCircuitOpen = errors.New("circuit open")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCircuit represents requests rejected by an open breaker.
	ErrorClassCircuit ErrorClass = "circuit"

	// ErrorClassCancelled represents requests abandoned by the caller.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// FetchError is a failed network attempt with its classification.
type FetchError struct {
	Host       string
	StatusCode int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d): %v", e.Host, e.ErrorClass, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.Host, e.ErrorClass, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err comes from the caller giving up rather
// than from the origin or the network. A bare context.DeadlineExceeded is
// not a cancellation: per-attempt timeouts report it too.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrContextCancelled) || errors.Is(err, context.Canceled)
}

// IsOffline reports whether err means the network could not be reached,
// as opposed to the origin answering with an error status or the caller
// giving up.
func IsOffline(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ErrorClass == ErrorClassNetwork || fe.ErrorClass == ErrorClassCircuit
	}
	return true
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassClient:
		// the origin answered; retrying will not change the answer
		return false
	case ErrorClassCircuit:
		// the breaker decides when the host is tried again
		return false
	case ErrorClassCancelled:
		return false
	default:
		return false
	}
}

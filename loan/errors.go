package loan

import (
	"errors"
	"time"
)

var (
	ErrValidation       = errors.New("loan: invalid input")
	ErrUnauthorized     = errors.New("loan: unauthorized")
	ErrRateLimited      = errors.New("loan: rate limited")
	ErrNotFound         = errors.New("loan: offer not found")
	ErrExpired          = errors.New("loan: offer expired")
	ErrAlreadyExecuting = errors.New("loan: offer already executing")
	ErrInvalidSignature = errors.New("loan: invalid signature")
	// ErrChainTransient marks an indeterminate chain outcome: the offer may
	// still confirm, so the record is never moved to a terminal state.
	ErrChainTransient = errors.New("loan: transient chain error")
	// ErrChainFatal marks a chain-confirmed revert or rejection.
	ErrChainFatal = errors.New("loan: chain execution failed")
	// ErrInvalidState reports an offer already settled in a state that
	// makes execution meaningless (executed, failed, canceled).
	ErrInvalidState = errors.New("loan: offer not executable in its current state")
	ErrConflict     = errors.New("loan: storage conflict")
)

// Kind is the machine-readable classification the transport layer maps to
// a status code.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindRateLimited      Kind = "rate_limited"
	KindNotFound         Kind = "not_found"
	KindExpired          Kind = "expired"
	KindAlreadyExecuting Kind = "already_executing"
	KindInvalidSignature Kind = "invalid_signature"
	KindChainTransient   Kind = "chain_transient"
	KindChainFatal       Kind = "chain_fatal"
	KindInvalidState     Kind = "invalid_state"
	KindInternal         Kind = "internal"
)

// Classify maps an error chain to its kind. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrAlreadyExecuting):
		return KindAlreadyExecuting
	case errors.Is(err, ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, ErrChainTransient):
		return KindChainTransient
	case errors.Is(err, ErrChainFatal):
		return KindChainFatal
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return KindInternal
	}
}

// RateLimitedError carries the retry hint alongside the sentinel.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

// Unwrap lets errors.Is match the sentinel.
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds reports the whole-second hint, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

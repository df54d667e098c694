package messaging

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Callers match with errors.Is / the predicates below.
var (
	// ErrValidation marks malformed input: bad length, bad enum, missing field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown sender, recipient, or message.
	ErrNotFound = errors.New("not found")
	// ErrSelfMessage marks an attempt to message oneself.
	ErrSelfMessage = errors.New("self message")
	// ErrUnauthorized marks a wrong actor for delete/edit/triage.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyDeleted marks a mutation against a tombstoned message.
	ErrAlreadyDeleted = errors.New("already deleted")
	// ErrRateLimited marks a send rejected by the per-sender window.
	ErrRateLimited = errors.New("rate limited")
	// ErrNoOp marks a triage update carrying nothing to change.
	ErrNoOp = errors.New("nothing to update")
	// ErrUnavailable marks loss of the persistence backend. It is the only
	// non-recoverable kind; callers must not retry it silently.
	ErrUnavailable = errors.New("storage unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind MUST be one of the sentinel kinds above when applicable.
// Msg may include human-readable context; do not include message bodies.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// RateLimitedError carries the retry hint computed from the oldest
// in-window entry of the sender's bucket.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds returns the retry hint in whole seconds, at least 1.
func (e RateLimitedError) RetryAfterSeconds() int64 {
	s := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRateLimited reports whether err represents ErrRateLimited.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

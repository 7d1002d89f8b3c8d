// Package errs defines the small closed set of failure kinds shared by the
// translation packages. Each boundary branches on the kind instead of
// catching everything generically.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an Error with its handling class.
type Kind int

const (
	// Parse means a document could not be built into a tree.
	Parse Kind = iota + 1
	// Validation means a generator response was rejected (empty, wrong
	// tag counts, wrong key set, residue).
	Validation
	// RateLimit means the generator asked us to slow down. It carries an
	// optional retry hint and never consumes a retry attempt.
	RateLimit
	// Transport covers network, timeout and other generator failures.
	Transport
	// FinalFailure marks a chunk whose retries were exhausted.
	FinalFailure
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Validation:
		return "validation"
	case RateLimit:
		return "rate_limit"
	case Transport:
		return "transport"
	case FinalFailure:
		return "final_failure"
	default:
		return "unknown"
	}
}

// Error is the tagged error value.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the server-suggested delay for RateLimit errors; zero
	// when the payload carried no parseable hint.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a RateLimit error carrying a retry hint.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: RateLimit, Op: op, Err: err, RetryAfter: retryAfter}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter returns the retry hint of a RateLimit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == RateLimit && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

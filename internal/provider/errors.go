package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lfarias/mailkeep/internal/token"
)

// Class partitions remote failures by how they are handled.
type Class int

const (
	// ClassTransient covers timeouts and connection failures; retried with
	// back-off and counted by the connectivity tracker.
	ClassTransient Class = iota
	// ClassAuth halts uploads for the account and flags re-authentication.
	ClassAuth
	// ClassRateLimit is retried with a longer, provider-suggested delay.
	ClassRateLimit
	// ClassMalformed skips the offending item; the job continues.
	ClassMalformed
	// ClassConflict means the remote item is gone or changed; local state
	// reconciles to the remote truth on the next sync.
	ClassConflict
	// ClassStorage covers local persistence failures (disk full, corrupt
	// cache row). Never counted against connectivity.
	ClassStorage
	// ClassPermanent is surfaced to the UI and waits for manual retry.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassRateLimit:
		return "rate_limit"
	case ClassMalformed:
		return "malformed"
	case ClassConflict:
		return "conflict"
	case ClassStorage:
		return "storage"
	default:
		return "permanent"
	}
}

// Error is a classified remote failure. RetryAfter is set for rate-limit
// failures when the provider suggested a delay.
type Error struct {
	Class      Class
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a class and operation name.
func NewError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Classify derives the handling class of an error. Unclassified network
// errors count as transient; anything else is permanent.
func Classify(err error) Class {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		return ClassAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return ClassStorage
	}
	return ClassPermanent
}

// SuggestedDelay returns the provider-suggested retry delay, if any.
func SuggestedDelay(err error) (time.Duration, bool) {
	var perr *Error
	if errors.As(err, &perr) && perr.RetryAfter > 0 {
		return perr.RetryAfter, true
	}
	return 0, false
}

// Package domain defines the core entities, ports and error taxonomy of the
// creditor email matcher. Adapters and usecases depend on this package only.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrUpstreamBadInput  = errors.New("upstream bad request")
	ErrConnection        = errors.New("connection error")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")

	// Business outcomes: the job carries on with partial results.
	ErrBudgetExceeded     = errors.New("token budget exceeded")
	ErrDailyLimitExceeded = errors.New("daily cost limit exceeded")
	ErrFileTooLarge       = errors.New("file too large")
	ErrUnreadableSource   = errors.New("unreadable source")

	// Integrity violations are fatal and never auto-resolved.
	ErrIllegalTransition       = errors.New("illegal state transition")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Amount parsing distinguishes "ambiguous" from "nothing found".
	ErrAmbiguousAmount = errors.New("ambiguous amount")
	ErrNoAmount        = errors.New("no amount")
)

// ErrorKind buckets an error for the dispatcher's retry contract.
type ErrorKind string

const (
	// KindTransient errors are retried with backoff and count against max attempts.
	KindTransient ErrorKind = "transient"
	// KindPermanent errors go to the on-failure hook without retry.
	KindPermanent ErrorKind = "permanent"
	// KindBusiness errors let the job proceed with partial results.
	KindBusiness ErrorKind = "business"
	// KindIntegrity errors are fatal and surface to a human.
	KindIntegrity ErrorKind = "integrity"
)

// KindOf classifies an error into the retry taxonomy. Unknown errors are
// treated as transient so that a flaky dependency does not permanently fail
// a job on its first hiccup.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrDuplicateIdempotencyKey):
		return KindIntegrity
	case errors.Is(err, ErrBudgetExceeded), errors.Is(err, ErrDailyLimitExceeded),
		errors.Is(err, ErrFileTooLarge), errors.Is(err, ErrUnreadableSource):
		return KindBusiness
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrUpstreamBadInput):
		return KindPermanent
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamRateLimit),
		errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrConnection),
		errors.Is(err, ErrConflict), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// Retryable reports whether the dispatcher should nack-with-backoff.
func Retryable(err error) bool { return KindOf(err) == KindTransient }

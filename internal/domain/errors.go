package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost is the cancellation cause used when a held lease could not be renewed.
	ErrLeaseLost = errors.New("lease lost")

	// ErrLockBusy is returned by entry points that must report a skipped run as an error.
	ErrLockBusy = errors.New("lock is held by another owner")

	// ErrInvalidLease is returned when a lease request has an empty name or a non-positive duration.
	ErrInvalidLease = errors.New("invalid lease request")

	// ErrUnknownSource is returned for a source or mode that has no scan definition.
	ErrUnknownSource = errors.New("unknown source or scan mode")

	// ErrMissingIdentifier is returned when a source record carries no identifier.
	ErrMissingIdentifier = errors.New("record has no identifier")
)

// Kind classifies an error at the boundary where it originates.
type Kind int

const (
	KindUnknown Kind = iota
	KindLockBusy
	KindLeaseLost
	KindTransientSource
	KindPermanentSource
	KindStoreConflict
	KindStoreWrite
	KindCancelled
	// KindStoreUnavailable is a store that could not be reached or read,
	// such as a dropped connection or a failover.
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindLockBusy:
		return "lock_busy"
	case KindLeaseLost:
		return "lease_lost"
	case KindTransientSource:
		return "transient_source"
	case KindPermanentSource:
		return "permanent_source"
	case KindStoreConflict:
		return "store_conflict"
	case KindStoreWrite:
		return "store_write"
	case KindCancelled:
		return "cancelled"
	case KindStoreUnavailable:
		return "store_unavailable"
	}
	return "unknown"
}

// Retryable reports whether re-running the whole operation may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransientSource || k == KindStoreConflict || k == KindStoreUnavailable
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Lease loss wins over every other
// kind because it is delivered through the same cancellation path as a caller
// cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrLeaseLost) {
		return KindLeaseLost
	}
	if errors.Is(err, ErrLockBusy) {
		return KindLockBusy
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying as a whole run.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

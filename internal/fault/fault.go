// Package fault classifies errors raised while collecting and storing resources.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classification of an error.
type Kind string

const (
	// KindUnknown is an error that could not be classified. Not retried.
	KindUnknown Kind = "unknown"
	// KindAuth covers rejected credentials and missing permissions. Not retried.
	KindAuth Kind = "auth"
	// KindThrottling means the remote rate limit was hit. Retried with backoff.
	KindThrottling Kind = "throttling"
	// KindNetwork is a transient connectivity failure. Retried with backoff.
	KindNetwork Kind = "network"
	// KindMalformed means a remote response could not form a resource identity.
	KindMalformed Kind = "malformed"
	// KindStore means the persistent store could not be opened or written. Fatal.
	KindStore Kind = "store"
	// KindCanceled means the caller canceled the operation.
	KindCanceled Kind = "canceled"
)

// Error is an error carrying a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as KindAuth.
func Auth(op string, err error) *Error { return New(KindAuth, op, err) }

// Throttling wraps err as KindThrottling.
func Throttling(op string, err error) *Error { return New(KindThrottling, op, err) }

// Network wraps err as KindNetwork.
func Network(op string, err error) *Error { return New(KindNetwork, op, err) }

// Malformed wraps err as KindMalformed.
func Malformed(op string, err error) *Error { return New(KindMalformed, op, err) }

// Store wraps err as KindStore.
func Store(op string, err error) *Error { return New(KindStore, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindThrottling, KindNetwork:
		return true
	default:
		return false
	}
}

// Package apperr defines the error taxonomy shared by the trading core.
// Every refusal carries a machine-readable Kind plus a human-readable reason
// so the API layer can surface it without inspecting concrete types.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers outside the core
type Kind string

const (
	KindConfiguration        Kind = "CONFIGURATION_ERROR"
	KindDataQuality          Kind = "DATA_QUALITY_ERROR"
	KindInsufficientFunds    Kind = "INSUFFICIENT_FUNDS"
	KindLimitExceeded        Kind = "LIMIT_EXCEEDED"
	KindTransientIO          Kind = "TRANSIENT_IO_ERROR"
	KindFatal                Kind = "FATAL_ERROR"
	KindConcurrencyViolation Kind = "CONCURRENCY_VIOLATION"
	KindInvalidState         Kind = "INVALID_STATE"
	KindNotFound             Kind = "NOT_FOUND"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// Reasons used for the two mandatory trader-creation funding checks
const (
	ReasonNoFunds             = "no funds available"
	ReasonInsufficientForRisk = "insufficient funds for the requested risk"
)

// Error is a classified error with a display reason
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the display reason of a classified error, or err.Error()
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

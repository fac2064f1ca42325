package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain failure so transport layers can map it to a
// status code and callers can decide whether a retry is sensible.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindValidation    ErrorKind = "VALIDATION"
	KindAuthorization ErrorKind = "AUTHORIZATION"
	KindStaleStep     ErrorKind = "STALE_STEP"
	KindConflict      ErrorKind = "CONFLICT"
)

// Error is a domain failure with a closed kind. Every failure aborts the
// enclosing transaction; none is partially applied.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the caller may safely resubmit. Only transaction
// conflicts qualify; dedupe on resubmission is the caller's responsibility.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict
}

// NotFoundf returns a NOT_FOUND error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validationf returns a VALIDATION error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorizationf returns an AUTHORIZATION error. Kept distinct from
// validation so callers can render "not your turn" messaging.
func Authorizationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// StaleStepf returns a STALE_STEP error; callers should refetch workflow
// state before retrying.
func StaleStepf(format string, args ...any) *Error {
	return &Error{Kind: KindStaleStep, Message: fmt.Sprintf(format, args...)}
}

// Conflictf returns a retryable CONFLICT error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or "" if err is not a domain error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Package errs implements the orchestration core's error taxonomy (not
// a grab-bag of ad hoc error types): NotFound, Validation, InvalidState,
// Conflict, and Internal, each mapping to one HTTP status code at the
// adapter boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for status-code mapping at the HTTP adapter.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error is the single error type raised by every service. Services
// never catch and re-emit a different kind; they raise the taxonomy
// kind directly and let it propagate through transaction rollback.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Wrap(kind Kind, message string, cause error, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// NotFound, Validation, InvalidState, Conflict, and Internal are
// convenience constructors for the five taxonomy kinds.
func NotFound(message string) *Error { return New(KindNotFound, message, nil) }

// NotFoundf formats a "<kind> <id> not found"-style message, the
// common case of NotFound across the domain services.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func Validation(message string) *Error { return New(KindValidation, message, nil) }

func ValidationDetails(message string, details map[string]any) *Error {
	return New(KindValidation, message, details)
}

func InvalidState(message string) *Error { return New(KindInvalidState, message, nil) }

func Conflict(message string) *Error { return New(KindConflict, message, nil) }

func ConflictDetails(message string, details map[string]any) *Error {
	return New(KindConflict, message, details)
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause, nil)
}

// KindOf walks the error chain looking for a taxonomy *Error and
// returns its Kind, defaulting to KindInternal for anything else —
// an un-taxonomized error from storage or a library is always an
// Internal failure, never silently downgraded to a 4xx.
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

// Is reports whether err's taxonomy kind (walking Unwrap) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

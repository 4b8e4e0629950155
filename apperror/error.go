// Package apperror defines the single error type that carries an HTTP status
// class and a stable machine code across the engine's packages.
package apperror

import (
	"errors"
	"net/http"
)

// Error is returned (usually wrapped) by domain operations whose failure the
// caller can act on. Status is the HTTP status class the transport maps it to.
type Error struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	return e.Message
}

// New builds a sentinel error value.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details. The copy still matches e
// under errors.Is.
func (e *Error) WithDetails(details any) error {
	return &detailed{
		err:  &Error{Status: e.Status, Code: e.Code, Message: e.Message, Details: details},
		base: e,
	}
}

type detailed struct {
	err  *Error
	base *Error
}

func (d *detailed) Error() string { return d.err.Message }

func (d *detailed) Unwrap() error { return d.base }

// From extracts the outermost *Error in err's chain.
func From(err error) (*Error, bool) {
	var d *detailed
	if errors.As(err, &d) {
		return d.err, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	// ErrValidation is the base for malformed or missing input.
	ErrValidation = New(http.StatusBadRequest, "VALIDATION_FAILED", "validation failed")
	// ErrInternal is rendered for any error that is not an *Error.
	ErrInternal = New(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
)

// Validation reports a user-correctable input error with field details.
func Validation(message string, details any) error {
	if message == "" {
		message = ErrValidation.Message
	}
	return &detailed{
		err:  &Error{Status: ErrValidation.Status, Code: ErrValidation.Code, Message: message, Details: details},
		base: ErrValidation,
	}
}

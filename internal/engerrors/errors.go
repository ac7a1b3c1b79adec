// Package engerrors is the engine's error taxonomy: validation, not-found,
// internal, and the transient/permanent distinction the LLM client, the
// extractor, and background extraction all rely on (spec §7).
package engerrors

import "fmt"

// Type categorizes an AppError.
type Type string

const (
	TypeValidation Type = "VALIDATION"
	TypeNotFound   Type = "NOT_FOUND"
	TypeInternal   Type = "INTERNAL"
	TypeTransient  Type = "TRANSIENT"
	TypePermanent  Type = "PERMANENT"
)

// AppError is the engine's error type. Transient errors are ones a caller
// may retry (network timeouts, connection resets, HTTP 5xx/429, graph
// driver timeouts/unavailability); permanent errors terminate a memory's
// extraction immediately (HTTP 4xx other than 429, malformed JSON,
// constraint violations).
type AppError struct {
	Type    Type
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidation creates a validation error.
func NewValidation(message string) error {
	return &AppError{Type: TypeValidation, Message: message}
}

// NewNotFound creates a not-found error.
func NewNotFound(message string) error {
	return &AppError{Type: TypeNotFound, Message: message}
}

// NewInternal creates an internal error.
func NewInternal(message string, err error) error {
	return &AppError{Type: TypeInternal, Message: message, Err: err}
}

// NewTransient creates a transient error: the operation is expected to
// succeed on retry.
func NewTransient(message string, err error) error {
	return &AppError{Type: TypeTransient, Message: message, Err: err}
}

// NewPermanent creates a permanent error: retrying will not help.
func NewPermanent(message string, err error) error {
	return &AppError{Type: TypePermanent, Message: message, Err: err}
}

// Wrap adds context to an error, preserving its Type if it is already an
// AppError, otherwise classifying it as internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}
	return &AppError{Type: TypeInternal, Message: message, Err: err}
}

// IsTransient is the public predicate spec §4.2 and §4.5 both rely on:
// callers (the sleep cycle, background extraction) use it to layer their
// own retry budget over the LLM client's internal one.
func IsTransient(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == TypeTransient
}

// IsPermanent reports whether err is a permanent failure.
func IsPermanent(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == TypePermanent
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == TypeValidation
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == TypeNotFound
}

// Package errors provides error wrapping utilities and the closed failure
// taxonomy shared by the validator, the gateway client and the workflow.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a failure. The set is closed.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConnectivity
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnectivity:
		return "connectivity"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a classified failure carrying a message fit for display.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Status is the HTTP status for KindServer, zero otherwise.
	Status int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf reports the kind of err. Errors outside the taxonomy are unknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the display message of a classified error, or fallback.
func MessageOf(err error, fallback string) string {
	var e *Error
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}

// Is and As re-export the standard helpers so callers importing this
// package under the name errors keep them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

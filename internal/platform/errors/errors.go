// Package errors defines the coded error type shared by every layer of the
// service. Handlers are the only place that translate a Code into a transport
// status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies an error for the transport boundary.
type Code string

const (
	ErrCodeUnauthenticated      Code = "UNAUTHENTICATED"
	ErrCodeForbidden            Code = "FORBIDDEN"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeMissingApprovalChain Code = "MISSING_APPROVAL_CHAIN"
	ErrCodeInvalidTransition    Code = "INVALID_TRANSITION"
	ErrCodeInvalidInput         Code = "INVALID_INPUT"
	ErrCodeInternal             Code = "INTERNAL"
)

// Error is a classified error. Err, when set, carries the wrapped cause with
// a stack trace attached.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so callers can write errors.Is(err, &errors.Error{Code: ...}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err, recording a stack trace. A nil err
// yields a nil error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: pkgerrors.WithStack(err)}
}

// NotFound reports a missing entity.
func NotFound(entity string, id any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

func Forbidden(message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message}
}

func Unauthenticated(message string) *Error {
	return &Error{Code: ErrCodeUnauthenticated, Message: message}
}

// InvalidTransition reports an action that is not legal from the current status.
func InvalidTransition(from, action string) *Error {
	if from == "" {
		from = "draft"
	}
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s from status '%s'", action, from),
	}
}

// MissingApprovalChain reports a payment without a usable approver mapping.
func MissingApprovalChain(paymentID int64, reason string) *Error {
	return &Error{
		Code:    ErrCodeMissingApprovalChain,
		Message: fmt.Sprintf("payment %d has no approval chain: %s", paymentID, reason),
	}
}

// CodeOf classifies err. Anything that is not an *Error is internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// As is a shortcut for extracting the *Error from a chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// HTTPStatus maps a code to the HTTP status returned to callers.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMissingApprovalChain:
		return http.StatusUnprocessableEntity
	case ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a caller. Internal failures are
// never described.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok || e.Code == ErrCodeInternal {
		return "internal error"
	}
	return e.Message
}

// Package errors provides structured error types with codes for the
// authorization server.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors. The OAuth-facing codes carry the
// exact RFC 6749 / RFC 7662 strings so handlers can put them on the wire
// without translation.
const (
	CodeInternal                = "server_error"
	CodeNotFound                = "not_found"
	CodeAlreadyExists           = "already_exists"
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidToken            = "invalid_token"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeUnauthorized            = "unauthorized"
	CodeForbidden               = "forbidden"
	CodeRateLimited             = "rate_limited"
	CodeSessionExpired          = "session_expired"
)

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code, or CodeInternal for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user-visible message, or a generic fallback for
// untyped errors so internals never leak to the caller.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "request failed"
}

// NotFound creates a not found error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(resource, id string) *Error {
	return &Error{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists: %s", resource, id),
	}
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(message string) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// InvalidClient creates an invalid_client error.
func InvalidClient(message string) *Error {
	return &Error{
		Code:    CodeInvalidClient,
		Message: message,
	}
}

// InvalidGrant creates an invalid_grant error.
func InvalidGrant(message string) *Error {
	return &Error{
		Code:    CodeInvalidGrant,
		Message: message,
	}
}

// InvalidToken creates an invalid_token error.
func InvalidToken(message string) *Error {
	return &Error{
		Code:    CodeInvalidToken,
		Message: message,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Internal creates a server_error with an internal cause. The cause is for
// logs only; Message is the only text that reaches the caller.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

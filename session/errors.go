package session

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error code carried in API error bodies
// and in locally generated errors.
type Code string

// Credential errors.
const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountDeactivated Code = "ACCOUNT_DEACTIVATED"
	CodeUserExists         Code = "USER_EXISTS"
)

// Validation errors.
const (
	CodeValidation Code = "VALIDATION_ERROR"
)

// Token errors.
const (
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeInvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	CodeNoRefreshToken      Code = "NO_REFRESH_TOKEN"
)

// Transient and abuse-guard errors.
const (
	CodeNetwork   Code = "NETWORK_ERROR"
	CodeTimeout   Code = "TIMEOUT"
	CodeRateLimit Code = "RATE_LIMIT_EXCEEDED"
)

// Everything else.
const (
	CodeNotFound Code = "NOT_FOUND"
	CodeServer   Code = "SERVER_ERROR"
	CodeUnknown  Code = "UNKNOWN_ERROR"
)

// FieldError is a single field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the uniform {error, code} failure returned by every Client
// operation. Status is zero for errors that never reached the server
// (local rate limit, network failure, timeout).
type Error struct {
	Status  int
	Code    Code
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the request-level retry loop may try again.
// Only failures that never produced an HTTP response qualify.
func (e *Error) Retryable() bool {
	return e.Code == CodeNetwork || e.Code == CodeTimeout
}

// IsTokenError reports whether the error concerns the held tokens rather
// than the request itself.
func (e *Error) IsTokenError() bool {
	switch e.Code {
	case CodeTokenExpired, CodeInvalidToken, CodeInvalidRefreshToken, CodeNoRefreshToken:
		return true
	}

	return false
}

// IsCredentialError reports whether the user must resubmit credentials.
func (e *Error) IsCredentialError() bool {
	switch e.Code {
	case CodeInvalidCredentials, CodeAccountDeactivated, CodeUserExists:
		return true
	}

	return false
}

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}

// IsCode reports whether err (or any error in its chain) is an *Error
// with the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// apiErrorBody is the JSON error shape returned by the portal API.
type apiErrorBody struct {
	Error   string       `json:"error"`
	Message string       `json:"message,omitempty"`
	Code    Code         `json:"code"`
	Details []FieldError `json:"details,omitempty"`
}

// defaultCode picks a code for error responses that did not carry one.
func defaultCode(status int) Code {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusUnauthorized:
		return CodeInvalidToken
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status >= http.StatusInternalServerError:
		return CodeServer
	}

	return CodeUnknown
}

func rateLimitError(path string) *Error {
	return &Error{
		Code:    CodeRateLimit,
		Message: fmt.Sprintf("too many requests to %s, try again shortly", path),
	}
}

func networkError(path string, err error) *Error {
	return &Error{
		Code:    CodeNetwork,
		Message: fmt.Sprintf("sending request to %s: %v", path, err),
		Err:     err,
	}
}

func timeoutError(path string, err error) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("request to %s timed out", path),
		Err:     err,
	}
}

// Package errs provides the coded error taxonomy shared by the gateway
// clients, the reconciler and the webhook handlers.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a class of failure.
type Code string

const (
	CodeGatewayUnavailable   Code = "GATEWAY_UNAVAILABLE"
	CodeGatewayRejected      Code = "GATEWAY_REJECTED"
	CodeUnknownRecord        Code = "UNKNOWN_RECORD"
	CodeAlreadyTerminal      Code = "ALREADY_TERMINAL"
	CodeMalformedPayload     Code = "MALFORMED_PAYLOAD"
	CodeConfigurationMissing Code = "CONFIGURATION_MISSING"
)

// Error is a structured failure. Retryable errors are picked up again by the
// next scheduled cycle, never retried in-line.
type Error struct {
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Timestamp  time.Time `json:"timestamp"`
	Err        error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, errs.ErrUnknownRecord).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrGatewayUnavailable   = &Error{Code: CodeGatewayUnavailable}
	ErrGatewayRejected      = &Error{Code: CodeGatewayRejected}
	ErrUnknownRecord        = &Error{Code: CodeUnknownRecord}
	ErrAlreadyTerminal      = &Error{Code: CodeAlreadyTerminal}
	ErrMalformedPayload     = &Error{Code: CodeMalformedPayload}
	ErrConfigurationMissing = &Error{Code: CodeConfigurationMissing}
)

// NewGatewayUnavailable wraps a network, timeout or 5xx failure.
func NewGatewayUnavailable(op string, status int, err error) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &Error{
		Code:       CodeGatewayUnavailable,
		Message:    fmt.Sprintf("%s: gateway unavailable", op),
		Details:    details,
		StatusCode: status,
		Retryable:  true,
		Timestamp:  time.Now().UTC(),
		Err:        err,
	}
}

// NewGatewayRejected wraps a 4xx or validation response.
func NewGatewayRejected(op string, status int, body string) *Error {
	return &Error{
		Code:       CodeGatewayRejected,
		Message:    fmt.Sprintf("%s: rejected by gateway", op),
		Details:    body,
		StatusCode: status,
		Retryable:  false,
		Timestamp:  time.Now().UTC(),
	}
}

func NewUnknownRecord(kind, id string) *Error {
	return &Error{
		Code:      CodeUnknownRecord,
		Message:   fmt.Sprintf("%s not found", kind),
		Details:   id,
		Timestamp: time.Now().UTC(),
	}
}

func NewAlreadyTerminal(kind, id string) *Error {
	return &Error{
		Code:      CodeAlreadyTerminal,
		Message:   fmt.Sprintf("%s already in terminal state", kind),
		Details:   id,
		Timestamp: time.Now().UTC(),
	}
}

func NewMalformedPayload(details string) *Error {
	return &Error{
		Code:      CodeMalformedPayload,
		Message:   "malformed payload",
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

func NewConfigurationMissing(what string) *Error {
	return &Error{
		Code:      CodeConfigurationMissing,
		Message:   "configuration missing",
		Details:   what,
		Timestamp: time.Now().UTC(),
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a structured error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

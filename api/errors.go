// File: api/errors.go
// Package api defines the shared types and collaborator interfaces of the
// wsendpoint library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy for everything that can go wrong before an endpoint opens.
// After open, failures are never surfaced as errors: the controller converts
// them into a final close event.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies handshake-phase failures.
type ErrorCode int

const (
	ErrCodeInvalidURL ErrorCode = iota + 1
	ErrCodeInvalidURLScheme
	ErrCodeHostLookupFailed
	ErrCodeConnectionFailed
	ErrCodeTLSFailed
	ErrCodeInvalidHTTPRequest
	ErrCodeInvalidHTTPResponse
	ErrCodeUpgradeRejected
	ErrCodeInvalidConnectionHeader
	ErrCodeInvalidUpgradeHeader
	ErrCodeKeyMismatch
	ErrCodeSubprotocolMismatch
	ErrCodeExtensionMismatch
	ErrCodeInvalidRedirection
	ErrCodeInvalidRedirectLocation
	ErrCodeMaximumRedirectsExceeded
	ErrCodeTimeout
	ErrCodeUnexpectedDisconnect
	ErrCodeCanceled
)

// String returns the kebab-case taxonomy name.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidURL:
		return "invalid-URL"
	case ErrCodeInvalidURLScheme:
		return "invalid-URL-scheme"
	case ErrCodeHostLookupFailed:
		return "host-lookup-failed"
	case ErrCodeConnectionFailed:
		return "connection-failed"
	case ErrCodeTLSFailed:
		return "tls-failed"
	case ErrCodeInvalidHTTPRequest:
		return "invalid-HTTP-request"
	case ErrCodeInvalidHTTPResponse:
		return "invalid-HTTP-response"
	case ErrCodeUpgradeRejected:
		return "upgrade-rejected"
	case ErrCodeInvalidConnectionHeader:
		return "invalid-connection-header"
	case ErrCodeInvalidUpgradeHeader:
		return "invalid-upgrade-header"
	case ErrCodeKeyMismatch:
		return "key-mismatch"
	case ErrCodeSubprotocolMismatch:
		return "subprotocol-mismatch"
	case ErrCodeExtensionMismatch:
		return "extension-mismatch"
	case ErrCodeInvalidRedirection:
		return "invalid-redirection"
	case ErrCodeInvalidRedirectLocation:
		return "invalid-redirect-location"
	case ErrCodeMaximumRedirectsExceeded:
		return "maximum-redirects-exceeded"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeUnexpectedDisconnect:
		return "unexpected-disconnect"
	case ErrCodeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a structured handshake-phase error.
type Error struct {
	Code    ErrorCode
	Message string
	// Rejection carries the server's HTTP response when Code is
	// ErrCodeUpgradeRejected.
	Rejection *FailedHandshakeResult
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a structured error with a cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the ErrorCode from err, or zero if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// ErrStreamEnded is returned by the event iterator after the final close
// event has been consumed.
var ErrStreamEnded = errors.New("event stream ended")

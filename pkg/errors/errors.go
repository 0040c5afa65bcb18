// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors with rich context for avva.
// Codes classify failures along the command pipeline so callers can branch on
// values instead of string matching.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies avva errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeToolNotFound indicates a call string did not resolve to a bound tool.
	CodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// CodePermissionDenied indicates the user refused a required permission.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeProviderUnreachable indicates a reasoning provider could not be contacted.
	CodeProviderUnreachable ErrorCode = "PROVIDER_UNREACHABLE"

	// CodeProviderMisconfigured indicates a provider is reachable but unusable
	// (bad credentials, missing model).
	CodeProviderMisconfigured ErrorCode = "PROVIDER_MISCONFIGURED"

	// CodeResponseParse indicates structured provider output could not be parsed.
	CodeResponseParse ErrorCode = "RESPONSE_PARSE_ERROR"

	// CodeExecution indicates a tool body failed or panicked.
	CodeExecution ErrorCode = "EXECUTION_EXCEPTION"

	// CodeAllProvidersFailed indicates the fallback chain was exhausted.
	CodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"

	// CodeStorage indicates the storage collaborator failed.
	CodeStorage ErrorCode = "STORAGE_ERROR"
)

// AvvaError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type AvvaError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // HTTP status for the websocket/HTTP surface
}

// Error implements the error interface.
func (e *AvvaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *AvvaError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *AvvaError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new AvvaError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *AvvaError {
	return &AvvaError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *AvvaError) WithContext(key string, value interface{}) *AvvaError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *AvvaError) WithAttribute(key, value string) *AvvaError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *AvvaError) WithRecoverable(recoverable bool) *AvvaError {
	e.Recoverable = recoverable
	return e
}

// AsAvvaError finds the first AvvaError in err's chain.
// Unknown errors are wrapped as CodeInternal.
func AsAvvaError(err error) *AvvaError {
	if err == nil {
		return nil
	}
	var ae *AvvaError
	if stderrors.As(err, &ae) {
		return ae
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first AvvaError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var ae *AvvaError
	if !stderrors.As(err, &ae) {
		return "", false
	}
	return ae.Code, true
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var ae *AvvaError
	if !stderrors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *AvvaError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeToolNotFound:
		return 404
	case CodePermissionDenied:
		return 403
	case CodeInvalidInput, CodeResponseParse:
		return 400
	case CodeTimeout:
		return 408
	case CodeProviderUnreachable, CodeAllProvidersFailed:
		return 503
	case CodeProviderMisconfigured:
		return 502
	default:
		return 500
	}
}

// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Nexus.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Nexus errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeCommandNotFound indicates no handler is registered for a command name.
	CodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"

	// CodeAgentNotFound indicates the referenced agent does not exist.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeAgentInvalidState indicates an operation was attempted in a state
	// the agent state machine does not permit.
	CodeAgentInvalidState ErrorCode = "AGENT_INVALID_STATE"

	// CodePluginLoadFailed indicates a plugin manifest or module failed to load.
	CodePluginLoadFailed ErrorCode = "PLUGIN_LOAD_FAILED"

	// CodeVersionMismatch indicates a plugin targets an incompatible host API version.
	CodeVersionMismatch ErrorCode = "PLUGIN_VERSION_MISMATCH"

	// CodePluginCrashed indicates a plugin crashed during an invocation.
	CodePluginCrashed ErrorCode = "PLUGIN_CRASHED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCapabilityDenied indicates a tool call was outside the plugin's
	// declared capability set.
	CodeCapabilityDenied ErrorCode = "CAPABILITY_DENIED"

	// CodeInvocationFailed indicates a tool invocation failed inside the plugin.
	CodeInvocationFailed ErrorCode = "INVOCATION_FAILED"

	// CodeRateLimited indicates token-bucket quota was exhausted.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeBusy indicates admission was refused due to backpressure.
	CodeBusy ErrorCode = "BUSY"

	// CodeCancelled indicates the operation was cancelled before completion.
	CodeCancelled ErrorCode = "CANCELLED"
)

// NexusError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type NexusError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *NexusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *NexusError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *NexusError) MarshalJSON() ([]byte, error) {
	type payload struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Cause       string                 `json:"cause,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}
	p := payload{
		Message:     e.Message,
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		p.Cause = e.Err.Error()
	}
	return json.Marshal(p)
}

// New creates a new NexusError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *NexusError {
	return &NexusError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *NexusError) WithContext(key string, value interface{}) *NexusError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *NexusError) WithRecoverable(recoverable bool) *NexusError {
	e.Recoverable = recoverable
	return e
}

// AsNexusError attempts to convert an error to a NexusError.
// Returns the error as NexusError if it is one, or wraps it otherwise.
func AsNexusError(err error) *NexusError {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*NexusError); ok {
		return ne
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf extracts the ErrorCode from err, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if ne, ok := err.(*NexusError); ok {
		return ne.Code
	}
	return CodeInternal
}

// IsCode reports whether err is a NexusError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	ne, ok := err.(*NexusError)
	return ok && ne.Code == code
}

// Recoverable reports whether err is explicitly marked recoverable.
// Untyped errors are treated as recoverable so generic transport failures
// remain retryable by default.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(*NexusError); ok {
		return ne.Recoverable
	}
	return true
}

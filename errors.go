// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for SPICE client operations.
type ErrorCode int

const (
	// ErrProtocol indicates a protocol-level error: malformed header,
	// unexpected message, or violated invariant.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates an authentication failure.
	ErrAuthentication
	// ErrEncoding indicates a wire encoding/decoding error.
	ErrEncoding
	// ErrNetwork indicates a network-related error.
	ErrNetwork
	// ErrConfiguration indicates a configuration error.
	ErrConfiguration
	// ErrTimeout indicates a timeout error.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrUnsupported indicates an unsupported feature or operation.
	ErrUnsupported
	// ErrAgent indicates an agent sub-protocol violation: bad protocol
	// version, oversized announcement, or reassembly state conflict
	// (spec.md §4.8).
	ErrAgent
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrEncoding:
		return "encoding"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrUnsupported:
		return "unsupported"
	case ErrAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// SpiceError provides structured error information with operation context,
// error codes, and message wrapping for comprehensive error handling.
type SpiceError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *SpiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spice %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("spice %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *SpiceError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *SpiceError) Is(target error) bool {
	var spiceErr *SpiceError
	if errors.As(target, &spiceErr) {
		return e.Code == spiceErr.Code && e.Op == spiceErr.Op
	}
	return false
}

// NewSpiceError creates a new SpiceError with the specified parameters.
func NewSpiceError(op string, code ErrorCode, message string, err error) *SpiceError {
	return &SpiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps an existing error with SPICE-specific context.
// Returns nil if the input error is nil, otherwise creates a new SpiceError.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return &SpiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsSpiceError checks if an error is a SpiceError and optionally matches
// specific error codes. If no codes are provided, returns true for any
// SpiceError. If codes are provided, returns true only if the error matches
// one of the specified codes.
func IsSpiceError(err error, code ...ErrorCode) bool {
	var spiceErr *SpiceError
	if !errors.As(err, &spiceErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if spiceErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a SpiceError.
// Returns the error code if the error is a SpiceError, otherwise returns -1.
func GetErrorCode(err error) ErrorCode {
	var spiceErr *SpiceError
	if errors.As(err, &spiceErr) {
		return spiceErr.Code
	}
	return ErrorCode(-1)
}

// errNoData is the sentinel a channel read path returns on an orderly
// peer close (spec.md §7's NODATA kind). It is not itself a SpiceError
// because NODATA is not a failure the caller needs to unwrap — it is a
// normal channel-teardown signal the event loop checks for with
// errors.Is.
var errNoData = errors.New("spice: no data, peer closed connection")

// errTimeout is the sentinel a channel read returns when its deadline
// elapses with no frame available — the substitute "not ready" signal
// Process's event loop uses in place of a real readiness poll (see
// transport.go's setReadDeadline and session.go's drainChannel).
var errTimeout = errors.New("spice: no data within deadline")

// protocolError creates a new protocol error.
func protocolError(op, message string, err error) error {
	return NewSpiceError(op, ErrProtocol, message, err)
}

// authenticationError creates a new authentication error.
func authenticationError(op, message string, err error) error {
	return NewSpiceError(op, ErrAuthentication, message, err)
}

// encodingError creates a new encoding error.
func encodingError(op, message string, err error) error {
	return NewSpiceError(op, ErrEncoding, message, err)
}

// networkError creates a new network error.
func networkError(op, message string, err error) error {
	return NewSpiceError(op, ErrNetwork, message, err)
}

// configurationError creates a new configuration error.
func configurationError(op, message string, err error) error {
	return NewSpiceError(op, ErrConfiguration, message, err)
}

// timeoutError creates a new timeout error.
func timeoutError(op, message string, err error) error {
	return NewSpiceError(op, ErrTimeout, message, err)
}

// validationError creates a new validation error.
func validationError(op, message string, err error) error {
	return NewSpiceError(op, ErrValidation, message, err)
}

// unsupportedError creates a new unsupported operation error.
func unsupportedError(op, message string, err error) error {
	return NewSpiceError(op, ErrUnsupported, message, err)
}

// agentError creates a new agent sub-protocol error.
func agentError(op, message string, err error) error {
	return NewSpiceError(op, ErrAgent, message, err)
}

package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Transport errors
	ErrAuthFailed   = errors.New("broker authentication failed")
	ErrTLSFailed    = errors.New("tls handshake failed")
	ErrUnreachable  = errors.New("broker unreachable")
	ErrBackpressure = errors.New("publish queue full")
	ErrNotConnected = errors.New("not connected to broker")

	// Protocol errors
	ErrProtocolViolation = errors.New("protocol violation")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrSequenceGap       = errors.New("sequence gap detected")
	ErrMalformedTopic    = errors.New("malformed topic")

	// Registry / integration errors
	ErrDeviceNotFound     = errors.New("device not found")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrParamNotWritable   = errors.New("parameter not writable")
	ErrParamOutOfRange    = errors.New("parameter out of range")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotStarted         = errors.New("not started")
	ErrShuttingDown       = errors.New("shutting down")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// FabricError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FabricError struct {
	Op       string // Operation that failed (e.g., "mqtt.Publish")
	Kind     string // Error kind (e.g., "transport", "protocol", "validation")
	DeviceID string // Optional device involved
	Message  string // Human-readable message
	Err      error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FabricError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.DeviceID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.DeviceID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FabricError) Unwrap() error {
	return e.Err
}

// NewFabricError creates a new FabricError
func NewFabricError(op, kind string, err error) *FabricError {
	return &FabricError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// InvalidParamError reports a rejected parameter write with the reason.
// Returned by integration SetDeviceParameters validation.
type InvalidParamError struct {
	Name   string
	Reason string
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Name, e.Reason)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrNotConnected)
}

// IsFatalTransport reports errors that must not be retried by the
// connection layer. Auth and TLS failures are surfaced to the operator.
func IsFatalTransport(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrTLSFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

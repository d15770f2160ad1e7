// Package errors provides the standardized error kinds of the pipeline
// and the transient/permanent classification the retry machinery keys on.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Cause     error                  `json:"-"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error codes
const (
	// Construction-time errors, fatal to the Logger instance
	CodeConfigInvalid = "CONFIG_INVALID"

	// Caller input errors; nothing enters the pipeline
	CodeRecordInvalid = "RECORD_INVALID"

	// Buffer states
	CodeBufferBackpressure = "BUFFER_BACKPRESSURE"
	CodeBufferClosed       = "BUFFER_CLOSED"

	// Delivery errors
	CodeSinkTransient   = "SINK_TRANSIENT"
	CodeSinkPermanent   = "SINK_PERMANENT"
	CodeDispatchTimeout = "DISPATCH_TIMEOUT"
	CodeCircuitOpen     = "CIRCUIT_OPEN"

	// Post-shutdown operations
	CodePipelineClosed = "PIPELINE_CLOSED"
)

// New creates a new standardized error
func New(code, component, operation, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As chains.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap attaches a cause to the error
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ToMap converts the error to a map for structured logging
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_timestamp": e.Timestamp,
	}
	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}
	return result
}

// Convenience constructors for the pipeline's error kinds.

// ConfigError reports invalid options at construction time.
func ConfigError(component, operation, message string) *AppError {
	return New(CodeConfigInvalid, component, operation, message)
}

// RecordError reports bad inputs to a log call.
func RecordError(operation, message string) *AppError {
	return New(CodeRecordInvalid, "logger", operation, message)
}

// TransientSinkError reports a retryable delivery failure.
func TransientSinkError(sink, message string) *AppError {
	return New(CodeSinkTransient, sink, "write", message)
}

// PermanentSinkError reports a delivery failure that must not be retried.
func PermanentSinkError(sink, message string) *AppError {
	return New(CodeSinkPermanent, sink, "write", message)
}

// CircuitOpenError reports an immediate reject by an open circuit.
func CircuitOpenError(sink string) *AppError {
	return New(CodeCircuitOpen, sink, "write", "circuit breaker is open")
}

// DispatchTimeoutError reports a batch exceeding the dispatch timeout.
func DispatchTimeoutError(component string, timeout time.Duration) *AppError {
	return New(CodeDispatchTimeout, component, "dispatch",
		fmt.Sprintf("dispatch exceeded %s", timeout))
}

// BufferClosedError reports an operation on a destroyed buffer.
func BufferClosedError(operation string) *AppError {
	return New(CodeBufferClosed, "buffer", operation, "buffer is closed")
}

// PipelineClosedError reports an operation after shutdown.
func PipelineClosedError(operation string) *AppError {
	return New(CodePipelineClosed, "pipeline", operation, "pipeline is closed")
}

// AsAppError converts an error to AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok && appErr.Code == code {
		return true
	}
	return false
}

// PermanentClassifier lets aggregate errors report their own
// retryability (a composite is permanent only if every part is).
type PermanentClassifier interface {
	Permanent() bool
}

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pc PermanentClassifier
	if errors.As(err, &pc) {
		return pc.Permanent()
	}
	return hasCode(err, CodeSinkPermanent)
}

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// IsCircuitOpen reports an open-circuit rejection.
func IsCircuitOpen(err error) bool {
	return hasCode(err, CodeCircuitOpen)
}

// IsBackpressure reports a buffer backpressure rejection.
func IsBackpressure(err error) bool {
	return hasCode(err, CodeBufferBackpressure)
}

package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeRouting       = "ROUTING_ERROR"
	ErrCodeExtraction    = "EXTRACTION_ERROR"
	ErrCodeProvider      = "PROVIDER_ERROR"
	ErrCodePersistence   = "PERSISTENCE_ERROR"
	ErrCodeInterpolation = "INTERPOLATION_ERROR"
	ErrCodeCondition     = "CONDITION_ERROR"
	ErrCodeMemory        = "MEMORY_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeStepLimit     = "STEP_LIMIT_EXCEEDED"
	ErrCodeExecution     = "EXECUTION_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// AsFlowError unwraps err to a *FlowError, or nil if none is in the chain.
func AsFlowError(err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// ErrorCodeOf returns the error code of err, or ErrCodeExecution for
// errors outside the engine taxonomy.
func ErrorCodeOf(err error) string {
	if err == nil {
		return ""
	}
	if fe := AsFlowError(err); fe != nil {
		return fe.Code
	}
	return ErrCodeExecution
}

// IsRetryable reports whether the error class may be retried. Extraction
// failures retry via the node's bounded counter; provider and timeout
// failures may be retried by the caller. Validation, routing, and
// persistence errors are never retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExtraction, ErrCodeProvider, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error aborts the turn and surfaces to the
// operator rather than routing to an error port.
func (e *FlowError) IsFatal() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeRouting, ErrCodePersistence, ErrCodeCondition, ErrCodeStepLimit:
		return true
	default:
		return false
	}
}

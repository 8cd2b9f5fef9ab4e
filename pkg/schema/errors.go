package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotActive       = "NOT_ACTIVE"
	ErrCodeTriggerMismatch = "TRIGGER_MISMATCH"
	ErrCodeCondition       = "CONDITION_ERROR"
	ErrCodeActionFailed    = "ACTION_FAILED"
	ErrCodeClassifier      = "CLASSIFIER_ERROR"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeQueue           = "QUEUE_ERROR"
	ErrCodeCancelled       = "CANCELLED"
)

// FlowError is the structured error type for all flowd operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the queue should re-deliver a job that failed
// with this error. Guard failures (missing or inactive workflow, bad input,
// explicit cancellation) never resolve themselves on retry.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeNotActive,
		ErrCodeTriggerMismatch, ErrCodeConflict, ErrCodeCancelled:
		return false
	}
	return true
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
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

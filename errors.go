package reflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced at component boundaries.
// Codes are stable strings suitable for reports and API responses;
// callers should branch on the code, not on the message.
type ErrorCode string

const (
	// CodeValidation marks schema, metamodel, or version-bump
	// violations detected at the catalog boundary.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNoIntent means the detector could not match or propose an
	// intent with sufficient confidence.
	CodeNoIntent ErrorCode = "NO_INTENT"

	// CodeInsufficientInputs means the input mapper could not satisfy
	// the entry nodes' required ports from the request.
	CodeInsufficientInputs ErrorCode = "INSUFFICIENT_INPUTS"

	// CodeNoWorkflowForIntent means routing found no enabled workflow
	// declaring the detected intent.
	CodeNoWorkflowForIntent ErrorCode = "NO_WORKFLOW_FOR_INTENT"

	// CodeUnsatisfiedInputs means a node reached READY but required
	// inputs remained null after adaptation.
	CodeUnsatisfiedInputs ErrorCode = "UNSATISFIED_INPUTS"

	// CodeAdaptationFailed means the port adapter could not produce a
	// validated binding set.
	CodeAdaptationFailed ErrorCode = "ADAPTATION_FAILED"

	// CodeStructuredOutputParse means an LLM response did not match
	// the requested output schema after the critique retry.
	CodeStructuredOutputParse ErrorCode = "LLM_STRUCTURED_OUTPUT_PARSE"

	// CodeEffectorTimeout marks an effector I/O deadline expiry.
	CodeEffectorTimeout ErrorCode = "EFFECTOR_TIMEOUT"

	// CodeEffectorTransient marks a retryable effector failure
	// (5xx, rate limit, connection reset).
	CodeEffectorTransient ErrorCode = "EFFECTOR_TRANSIENT"

	// CodeEffectorPermanent marks a non-retryable effector failure.
	CodeEffectorPermanent ErrorCode = "EFFECTOR_PERMANENT"

	// CodeWorkflowCycle marks a cycle in the workflow edge set.
	CodeWorkflowCycle ErrorCode = "WORKFLOW_CYCLE"

	// CodeDanglingEdge marks an edge referencing an unknown node or
	// an unreachable port path.
	CodeDanglingEdge ErrorCode = "DANGLING_EDGE"
)

// Error is the tagged error value exchanged across component
// boundaries. It wraps an optional cause for errors.Is/As chains.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around a cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors carrying the same code, so callers can compare
// against a bare &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Returns an empty code when err carries no taxonomy code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrRange indicates that a start/end window does not fit the work list
	ErrRange = errors.New("invalid index range")

	// ErrSubmission indicates that the external scheduler rejected a launch request
	ErrSubmission = errors.New("submission rejected")

	// ErrExecution indicates that an external job ran and reported a failed outcome
	ErrExecution = errors.New("execution failed")

	// ErrTimedOut indicates that a wait elapsed while the job was still running
	ErrTimedOut = errors.New("wait timed out")

	// ErrLedgerWrite indicates that the run ledger could not be persisted
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrCancelled indicates that the run was cancelled before the job reached a terminal state
	ErrCancelled = errors.New("run cancelled")
)

// Error codes carried by *Error.
const (
	CodeRange       = "RANGE"
	CodeSubmission  = "SUBMISSION"
	CodeExecution   = "EXECUTION"
	CodeLedgerWrite = "LEDGER_WRITE"
)

// Error represents a structured orchestrator error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewRangeError reports an invalid 1-based window over a list of size total.
func NewRangeError(start, end, total int) *Error {
	return NewError(CodeRange, fmt.Sprintf("start=%d end=%d does not fit %d items", start, end, total), ErrRange)
}

// NewSubmissionError wraps a scheduler rejection for the named item.
func NewSubmissionError(item string, cause error) *Error {
	return NewError(CodeSubmission, fmt.Sprintf("submit %s", item), errors.Join(ErrSubmission, cause))
}

// NewExecutionError reports a failed external job with its detail string.
func NewExecutionError(item, detail string) *Error {
	return NewError(CodeExecution, fmt.Sprintf("%s: %s", item, detail), ErrExecution)
}

// NewLedgerWriteError wraps a local persistence failure.
func NewLedgerWriteError(path string, cause error) *Error {
	return NewError(CodeLedgerWrite, fmt.Sprintf("append to %s", path), errors.Join(ErrLedgerWrite, cause))
}

// IsRange checks if an error is a range error
func IsRange(err error) bool {
	return errors.Is(err, ErrRange)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}

// IsSubmission checks if an error is a submission error
func IsSubmission(err error) bool {
	return errors.Is(err, ErrSubmission)
}

// IsLedgerWrite checks if an error is a ledger persistence error
func IsLedgerWrite(err error) bool {
	return errors.Is(err, ErrLedgerWrite)
}

package domain

import "errors"

// Error taxonomy (sentinels). Boundary layers translate these to HTTP/CLI
// codes; internal callers match with errors.Is.
var (
	// ErrInvalidArgument covers bad identifiers and malformed payloads. It is
	// rejected synchronously and never reaches the store layer.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a job, task, awakeable or entity is absent.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when resolving or rejecting an awakeable that
	// has already left PENDING. The original row is left untouched.
	ErrNotPending = errors.New("not pending")
	// ErrLockHeld signals virtual-object write contention. Non-fatal; the
	// dispatcher surfaces the current holder to the caller.
	ErrLockHeld = errors.New("lock held")
	// ErrNonDeterminism is raised when a replayed journal entry's op type does
	// not match the call site. Fatal to the attempt and never retried.
	ErrNonDeterminism = errors.New("non-determinism detected")
	// ErrInvalidTransition is returned for lifecycle transitions outside the
	// allowed set; the state is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict covers uniqueness violations (duplicate job id, duplicate
	// entity registration).
	ErrConflict = errors.New("conflict")
	// ErrSuspended is how an invocation body signals a journaled suspension
	// point (awakeable await, sleep). The worker translates it into the
	// running -> suspended transition; it is not a failure.
	ErrSuspended = errors.New("invocation suspended")
	// ErrTransient marks a retriable invocation failure; the task transitions
	// to backing-off and the retry policy applies.
	ErrTransient = errors.New("transient failure")
	// ErrFatal marks a non-retriable invocation failure; the task completes
	// with failure and dependents observe a gate failure.
	ErrFatal = errors.New("fatal failure")
)

// FailureCode classifies a recorded failure for journal rows and job
// completion fields.
type FailureCode string

const (
	FailureCodeNone           FailureCode = ""
	FailureCodeTransient      FailureCode = "TRANSIENT"
	FailureCodeFatal          FailureCode = "FATAL"
	FailureCodeNonDeterminism FailureCode = "NON_DETERMINISM"
	FailureCodeTimeout        FailureCode = "TIMEOUT"
	FailureCodeRejected       FailureCode = "REJECTED"
	FailureCodeCancelled      FailureCode = "CANCELLED"
	FailureCodeValidation     FailureCode = "VALIDATION"
)

// IsFatalErr reports whether err must skip the retry policy entirely.
// Non-determinism, validation and missing data all end the attempt for good.
func IsFatalErr(err error) bool {
	return errors.Is(err, ErrFatal) ||
		errors.Is(err, ErrNonDeterminism) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound)
}

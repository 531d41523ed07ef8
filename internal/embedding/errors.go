package embedding

import "fmt"

// ErrorClass partitions embedding failures by what the caller should do
// about them. Recoverable classes are retried and, past the attempt limit,
// left for the backfill worker; the rest fail fast.
type ErrorClass string

const (
	ClassConnection ErrorClass = "connection_error"
	ClassTimeout    ErrorClass = "timeout"
	ClassModel      ErrorClass = "model_error"
	ClassValidation ErrorClass = "validation_error"
	ClassRateLimit  ErrorClass = "rate_limited"
	ClassUnknown    ErrorClass = "unknown"
)

type Error struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding: %s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("embedding: %s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether a later retry could plausibly succeed.
func (e *Error) Recoverable() bool {
	switch e.Class {
	case ClassConnection, ClassTimeout, ClassRateLimit:
		return true
	}
	return false
}

func classify(class ErrorClass, msg string, err error) *Error {
	return &Error{Class: class, Message: msg, Err: err}
}

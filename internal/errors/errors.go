package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without string matching.
type Kind string

const (
	KindNotFound    Kind = "NOT_FOUND"
	KindValidation  Kind = "VALIDATION"
	KindProcessIO   Kind = "PROCESS_IO"
	KindInterrupted Kind = "INTERRUPTED"
	KindInternal    Kind = "INTERNAL"
)

// Error is the tagged error returned by every stage of a batch run.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "shellscript.New"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates an error for an absent executable, script or work item.
func NotFound(op, resource string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: resource + " not found"}
}

// Validation creates an error for a rejected request.
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// ProcessIO wraps a launch or stream failure.
func ProcessIO(op, message string, err error) *Error {
	return &Error{Kind: KindProcessIO, Op: op, Message: message, Err: err}
}

// Interrupted wraps a cancelled wait on a child process.
func Interrupted(op string, err error) *Error {
	return &Error{Kind: KindInterrupted, Op: op, Message: "interrupted while waiting for process", Err: err}
}

// Internal wraps anything that does not fit another kind.
func Internal(op, message string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: message, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsProcessIO(err error) bool   { return KindOf(err) == KindProcessIO }
func IsInterrupted(err error) bool { return KindOf(err) == KindInterrupted }

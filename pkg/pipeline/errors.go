package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSource is returned when a record has neither a locator nor inline bytes
	ErrNoSource = errors.New("record has no locator or inline payload")

	// ErrUnsupportedKind is returned when no processor handles the record kind
	ErrUnsupportedKind = errors.New("unsupported record kind")

	// ErrWrongRecord is returned when a processor receives another kind's record
	ErrWrongRecord = errors.New("record type does not match processor")

	// ErrCancelled is returned when a run was cancelled before finishing
	ErrCancelled = errors.New("processing cancelled")

	// ErrRunNotFound is returned when a run ID is not in the registry
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidOptions is returned when an option value is out of range
	ErrInvalidOptions = errors.New("invalid options")

	// ErrAlreadyStarted is returned when Process is called twice on one processor
	ErrAlreadyStarted = errors.New("processor already started")
)

// ErrorCode classifies run failures
type ErrorCode string

// ErrorCode constants
const (
	CodeInput       ErrorCode = "input"
	CodeDecode      ErrorCode = "decode"
	CodeStage       ErrorCode = "stage"
	CodeCancelled   ErrorCode = "cancelled"
	CodeUnsupported ErrorCode = "unsupported"
)

// Error is a coded pipeline failure with optional stage context
type Error struct {
	Code    ErrorCode
	Stage   string
	Message string
	Err     error
}

// Error formats the failure as "<code>[/<stage>]: <message>"
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Code, e.Stage, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code so callers can test
// errors.Is(err, &Error{Code: CodeDecode})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

func newError(code ErrorCode, stage string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Stage: stage, Message: msg, Err: err}
}

// InputError wraps a failure to locate the record's bytes
func InputError(err error) *Error { return newError(CodeInput, "", err) }

// DecodeError wraps a failure to parse the record's bytes
func DecodeError(err error) *Error { return newError(CodeDecode, "", err) }

// StageError wraps a failure raised by a named stage
func StageError(stage string, err error) *Error { return newError(CodeStage, stage, err) }

// CancellationError reports an explicit cancellation
func CancellationError() *Error { return newError(CodeCancelled, "", ErrCancelled) }

// CodeOf returns the code carried by err, or "" when err is not coded
func CodeOf(err error) ErrorCode {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	if errors.Is(err, ErrCancelled) {
		return CodeCancelled
	}
	if errors.Is(err, ErrUnsupportedKind) {
		return CodeUnsupported
	}
	return ""
}

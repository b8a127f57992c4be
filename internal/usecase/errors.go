package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorSignature         ErrorCode = "SIGNATURE_ERROR"
	ErrorStore             ErrorCode = "STORE_ERROR"
	ErrorCompletion        ErrorCode = "COMPLETION_ERROR"
	ErrorUnrecognizedInput ErrorCode = "UNRECOGNIZED_INPUT"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// NewError builds an Error for callers outside the package, such as the
// webhook transport reporting signature or payload failures.
func NewError(code ErrorCode, reason string, err error) *Error {
	return newError(code, reason, err)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// Package errors carries coded errors for the outer layers: configuration
// loading and the command line. Domain failures use the sentinels in
// domain/core and are wrapped here only when they cross into those layers.
package errors

import (
	stderrors "errors"
	"fmt"

	"mixperm/domain/core"
)

// AppError is an error with a stable code.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an AppError without a cause.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap adds context to err, keeping its code when it already has one and
// classifying domain sentinels otherwise.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: GetCode(err), Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsAppError reports whether err or anything it wraps is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetCode returns the code of the outermost AppError in err's chain, or a
// code derived from the domain sentinel it wraps.
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, core.ErrRankDeficient):
		return CodeRankDeficient
	case stderrors.Is(err, core.ErrConvergenceFailure):
		return CodeConvergence
	case stderrors.Is(err, core.ErrUnsupportedModel):
		return CodeUnsupported
	case stderrors.Is(err, core.ErrInvariantViolation), stderrors.Is(err, core.ErrEmptyTable):
		return CodeInvalidInput
	}
	return CodeInternalError
}

const (
	CodeConfigInvalid = "CONFIG_INVALID"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeRankDeficient = "RANK_DEFICIENT"
	CodeConvergence   = "CONVERGENCE_FAILURE"
	CodeUnsupported   = "UNSUPPORTED_MODEL"
	CodeInternalError = "INTERNAL_ERROR"
)

func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

// ConfigInvalidf reports a bad setting, naming the key.
func ConfigInvalidf(key string, cause error) *AppError {
	return &AppError{Code: CodeConfigInvalid, Message: fmt.Sprintf("invalid %s", key), Cause: cause}
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message)
}

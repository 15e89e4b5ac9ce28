package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Numerical / per-call errors
	ErrRankDeficient      = errors.New("design matrix is rank deficient")
	ErrConvergenceFailure = errors.New("model refit did not converge")

	// Structural errors, fatal for a run
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrInvariantViolation = errors.New("invariant violation")

	// Input errors
	ErrInvalidReplicateCount = fmt.Errorf("%w: replicate count must be positive", ErrInvariantViolation)
	ErrEmptyTable            = errors.New("replicate table has no successful replicates")
)

// Error constructors with context
func NewRankDeficientError(where string, rank, cols int) error {
	return fmt.Errorf("%w: %s has rank %d < %d columns", ErrRankDeficient, where, rank, cols)
}

func NewInvariantError(what string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvariantViolation, what, fmt.Sprintf(format, args...))
}

func NewConvergenceError(iterations int, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w after %d iterations: %v", ErrConvergenceFailure, iterations, cause)
	}
	return fmt.Errorf("%w after %d iterations", ErrConvergenceFailure, iterations)
}

func NewUnsupportedModelError(kind string) error {
	return fmt.Errorf("%w: %s mixed models cannot be resampled", ErrUnsupportedModel, kind)
}

// Error checking helpers
func IsRankDeficient(err error) bool {
	return errors.Is(err, ErrRankDeficient)
}

func IsConvergenceFailure(err error) bool {
	return errors.Is(err, ErrConvergenceFailure)
}

// IsFatal reports whether err must abort a whole resampling run rather than
// being recorded against a single replicate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnsupportedModel) ||
		errors.Is(err, ErrInvariantViolation)
}

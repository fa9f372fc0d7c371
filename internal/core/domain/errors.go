package domain

import (
	"errors"
	"fmt"
)

// Gateway error taxonomy. Every failure that reaches a caller wraps one of these.
var (
	ErrNetwork       = errors.New("network error")
	ErrAuthorization = errors.New("not authorized")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timed out")
	// ErrCancelled means the caller stopped waiting; the backend was not asked
	// to abandon the work.
	ErrCancelled = errors.New("cancelled")
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrIntegrity          = errors.New("data integrity violation")
	ErrForbidden          = errors.New("access forbidden")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
)

// Validationf returns an ErrValidation whose message is safe to show verbatim.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError carries a caller-fixable message.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IsRetryable reports whether a read that failed with err may be retried.
// Mutations are never retried regardless of the answer.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

func transitionError[S ~string](from, to S) error {
	return fmt.Errorf("%w (from %s to %s)", ErrInvalidTransition, from, to)
}

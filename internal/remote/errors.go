package remote

import (
	"errors"
	"fmt"
)

// ErrUnavailable is matched by every transient remote failure.
var ErrUnavailable = errors.New("remote source unavailable")

// TransientError reports a recoverable remote failure (network, timeout,
// server-side 5xx). Callers may retry later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrUnavailable)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

// Is allows comparison with ErrUnavailable.
func (e *TransientError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new TransientError for op.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a recoverable remote failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSnapshot is returned when the presented snapshot is not the
	// run's latest. The caller must fetch the latest snapshot and retry.
	ErrStaleSnapshot = errors.New("stale snapshot")
	// ErrInvalidStatus is returned when the run's status does not permit the operation.
	ErrInvalidStatus = errors.New("invalid status for operation")
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

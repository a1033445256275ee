package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Enqueue once the executor is shutting down.
	ErrStopped = errors.New("executor stopped")
	// ErrUnknownJob is returned by a Reporter for outcomes of jobs it does not track.
	ErrUnknownJob = errors.New("unknown job")
)

// PermanentError marks a failure that retrying cannot fix, such as an invalid recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor dead-letters the unit on the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StatusError is a non-2xx response from an HTTP transport.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// HTTPStatus returns the response code carried by err, 0 if none.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

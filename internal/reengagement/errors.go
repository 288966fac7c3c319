package reengagement

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleReference marks a user, activity, enrolment or record that
	// vanished between enqueue and dispatch.
	ErrStaleReference = errors.New("stale reference")
	// ErrPersistence marks a failed store write.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotification marks one or more failed sends.
	ErrNotification = errors.New("notification failure")
	// ErrConfiguration marks a malformed activity definition.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks a read failure before any mutation. Only these are retried.
	ErrTransient = errors.New("transient failure")
)

// JobError carries the identifiers needed to diagnose a failed job.
type JobError struct {
	Kind       error
	ActivityID int64
	ProgressID string
	UserID     int64
	Err        error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%v: activity=%d progress=%s user=%d", e.Kind, e.ActivityID, e.ProgressID, e.UserID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err should be retried by the dispatcher.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

package storage

import "errors"

var (
	// ErrAttemptNotFound is returned when no attempt has the requested id
	ErrAttemptNotFound = errors.New("execution attempt not found")
	// ErrAttemptCompleted is returned when a terminal attempt is updated again
	ErrAttemptCompleted = errors.New("execution attempt already completed")
)

package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned by executors that stopped because the item was aborted.
	ErrAborted          = errors.New("execution aborted")
	ErrItemNotFound     = errors.New("execution item not found")
	ErrRunAllInProgress = errors.New("run all already in progress")
	ErrAbortTimeout     = errors.New("executor did not stop within the abort grace period")
)

// ValidationError is bad block configuration. It is terminal and never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %s", e.Code, e.Message)
}

// UnexpectedError wraps a panic recovered from an executor.
type UnexpectedError struct {
	Value any
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Value)
}

func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

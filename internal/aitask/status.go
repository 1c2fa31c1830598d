// Package aitask runs AI edit and fix requests for notebook blocks with bounded
// concurrency, heartbeats and cooperative cancellation.
package aitask

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusAborting  Status = "aborting"
	StatusCompleted Status = "completed"
	StatusUnknown   Status = "unknown"
)

// Result is how a completed task ended.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
	ResultAborted Result = "aborted"
)

var (
	ErrAborted      = errors.New("ai task aborted")
	ErrTaskNotFound = errors.New("ai task not found")
)

// running → enqueued is the watchdog handing a stalled task back.
var validTransitions = map[Status][]Status{
	StatusEnqueued: {StatusRunning, StatusCompleted},
	StatusRunning:  {StatusAborting, StatusCompleted, StatusEnqueued},
	StatusAborting: {StatusCompleted},
	StatusUnknown:  {StatusCompleted},
}

// parseStatus maps values this version does not recognise to StatusUnknown.
func parseStatus(s string) Status {
	switch Status(s) {
	case StatusEnqueued, StatusRunning, StatusAborting, StatusCompleted:
		return Status(s)
	}
	return StatusUnknown
}

func ValidateTransition(from, to Status) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid ai task transition: %s → %s", from, to)
}

package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrContention means another live owner holds the lock. Acquire retries it.
	ErrContention = errors.New("lock contention")
	// ErrNotHeld means the caller no longer owns the row.
	ErrNotHeld = errors.New("lock not held")
	// ErrLost is the cancel cause WithLock uses when a renewal finds the lease taken over.
	ErrLost = errors.New("lock lease lost")
)

type AcquireTimeoutError struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("acquire lock %q: timed out after %d attempts in %s", e.Name, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func IsAcquireTimeout(err error) bool {
	var timeoutErr *AcquireTimeoutError
	return errors.As(err, &timeoutErr)
}

// Package payload stores replication payloads that are too large to travel
// on the transport channel itself.
package payload

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("payload not found")

type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	// Get returns ErrNotFound when the payload is missing or already swept.
	Get(ctx context.Context, id string) ([]byte, error)
	// Sweep deletes payloads created before olderThan and reports how many were removed.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrLockNotHeld   = errors.New("lock not held by owner")
	ErrLockContended = errors.New("lock held by another owner")
)

type Lock struct {
	Name       string
	OwnerID    string
	IsLocked   bool
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Held reports whether the row grants ownership at the given instant.
func (l Lock) Held(now time.Time) bool {
	return l.IsLocked && l.ExpiresAt.After(now)
}

type Payload struct {
	ID        string
	Data      []byte
	CreatedAt time.Time
}

type DocumentSnapshot struct {
	DocumentID string
	State      []byte
	Clock      uint64
	UpdatedAt  time.Time
}

// CatalogEntry is one dataframe known to the search catalog. Columns holds
// the column names separated by spaces.
type CatalogEntry struct {
	ID         string
	DocumentID string
	Name       string
	BlockID    string
	BlockTitle string
	Columns    string
	Rows       int
	UpdatedAt  time.Time
}

package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"notebook/api/internal/store"
)

// Store is the durable side of the lease lock. TryAcquire must only take over a
// row that is unlocked or expired at now, returning ErrContention otherwise.
// Renew and Release return ErrNotHeld when ownerID no longer holds the row.
type Store interface {
	TryAcquire(ctx context.Context, name, ownerID string, now, expiresAt time.Time) error
	Renew(ctx context.Context, name, ownerID string, expiresAt time.Time) error
	Release(ctx context.Context, name, ownerID string) error
}

type SQLStore struct {
	locks *store.LockStore
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{locks: store.NewLockStore(db)}
}

func (s *SQLStore) TryAcquire(ctx context.Context, name, ownerID string, now, expiresAt time.Time) error {
	_, err := s.locks.TryAcquire(ctx, name, ownerID, now, expiresAt)
	return translate(err)
}

func (s *SQLStore) Renew(ctx context.Context, name, ownerID string, expiresAt time.Time) error {
	return translate(s.locks.Renew(ctx, name, ownerID, expiresAt))
}

func (s *SQLStore) Release(ctx context.Context, name, ownerID string) error {
	return translate(s.locks.Release(ctx, name, ownerID))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrLockContended):
		return ErrContention
	case errors.Is(err, store.ErrLockNotHeld):
		return ErrNotHeld
	default:
		return err
	}
}

// MemoryStore is a single-process Store used for tests and sqlite-less dev runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]store.Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]store.Lock{}}
}

func (m *MemoryStore) TryAcquire(_ context.Context, name, ownerID string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[name]; ok && row.IsLocked && row.ExpiresAt.After(now) {
		return ErrContention
	}
	m.rows[name] = store.Lock{Name: name, OwnerID: ownerID, IsLocked: true, AcquiredAt: now, ExpiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) Renew(_ context.Context, name, ownerID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[name]
	if !ok || !row.IsLocked || row.OwnerID != ownerID {
		return ErrNotHeld
	}
	row.ExpiresAt = expiresAt
	m.rows[name] = row
	return nil
}

func (m *MemoryStore) Release(_ context.Context, name, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[name]
	if !ok || !row.IsLocked || row.OwnerID != ownerID {
		return ErrNotHeld
	}
	row.IsLocked = false
	m.rows[name] = row
	return nil
}

// Get returns a copy of the row for name.
func (m *MemoryStore) Get(name string) (store.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[name]
	return row, ok
}

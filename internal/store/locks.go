package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type LockStore struct {
	db *DB
}

func NewLockStore(db *DB) *LockStore {
	return &LockStore{db: db}
}

// TryAcquire creates the row for name or takes over a row that is unlocked or
// expired at now. It returns ErrLockContended when a live owner holds it.
func (s *LockStore) TryAcquire(ctx context.Context, name, ownerID string, now, expiresAt time.Time) (Lock, error) {
	res, err := s.db.exec(ctx, `
		INSERT INTO locks (name, owner_id, is_locked, acquired_at_ms, expires_at_ms)
		VALUES ($1, $2, TRUE, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			owner_id = excluded.owner_id,
			is_locked = TRUE,
			acquired_at_ms = excluded.acquired_at_ms,
			expires_at_ms = excluded.expires_at_ms
		WHERE locks.is_locked = FALSE OR locks.expires_at_ms <= excluded.acquired_at_ms
	`, name, ownerID, millis(now), millis(expiresAt))
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if affected == 0 {
		return Lock{}, ErrLockContended
	}
	return Lock{
		Name:       name,
		OwnerID:    ownerID,
		IsLocked:   true,
		AcquiredAt: fromMillis(millis(now)),
		ExpiresAt:  fromMillis(millis(expiresAt)),
	}, nil
}

// Renew extends expiresAt while the row is still locked by ownerID.
func (s *LockStore) Renew(ctx context.Context, name, ownerID string, expiresAt time.Time) error {
	res, err := s.db.exec(ctx, `
		UPDATE locks SET expires_at_ms = $3
		WHERE name = $1 AND owner_id = $2 AND is_locked = TRUE
	`, name, ownerID, millis(expiresAt))
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", name, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("renew lock %s: %w", name, err)
	} else if affected == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (s *LockStore) Release(ctx context.Context, name, ownerID string) error {
	res, err := s.db.exec(ctx, `
		UPDATE locks SET is_locked = FALSE
		WHERE name = $1 AND owner_id = $2 AND is_locked = TRUE
	`, name, ownerID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	} else if affected == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (s *LockStore) Get(ctx context.Context, name string) (Lock, error) {
	var (
		lock       Lock
		acquiredAt int64
		expiresAt  int64
	)
	err := s.db.queryRow(ctx, `
		SELECT name, owner_id, is_locked, acquired_at_ms, expires_at_ms
		FROM locks WHERE name = $1
	`, name).Scan(&lock.Name, &lock.OwnerID, &lock.IsLocked, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("get lock %s: %w", name, err)
	}
	lock.AcquiredAt = fromMillis(acquiredAt)
	lock.ExpiresAt = fromMillis(expiresAt)
	return lock, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SnapshotStore struct {
	db *DB
}

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, documentID string) (DocumentSnapshot, error) {
	var (
		snap      DocumentSnapshot
		clock     int64
		updatedAt int64
	)
	err := s.db.queryRow(ctx, `
		SELECT document_id, state, clock, updated_at_ms
		FROM document_snapshots WHERE document_id = $1
	`, documentID).Scan(&snap.DocumentID, &snap.State, &clock, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentSnapshot{}, ErrNotFound
	}
	if err != nil {
		return DocumentSnapshot{}, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	snap.Clock = uint64(clock)
	snap.UpdatedAt = fromMillis(updatedAt)
	return snap, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, documentID string, state []byte, clock uint64, updatedAt time.Time) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO document_snapshots (document_id, state, clock, updated_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			state = excluded.state,
			clock = excluded.clock,
			updated_at_ms = excluded.updated_at_ms
	`, documentID, state, int64(clock), millis(updatedAt))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PayloadStore struct {
	db *DB
}

func NewPayloadStore(db *DB) *PayloadStore {
	return &PayloadStore{db: db}
}

func (s *PayloadStore) Put(ctx context.Context, id string, data []byte, createdAt time.Time) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO payloads (id, data, created_at_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, created_at_ms = excluded.created_at_ms
	`, id, data, millis(createdAt))
	if err != nil {
		return fmt.Errorf("put payload %s: %w", id, err)
	}
	return nil
}

func (s *PayloadStore) Get(ctx context.Context, id string) (Payload, error) {
	var (
		payload   Payload
		createdAt int64
	)
	err := s.db.queryRow(ctx, `SELECT id, data, created_at_ms FROM payloads WHERE id = $1`, id).
		Scan(&payload.ID, &payload.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payload{}, ErrNotFound
	}
	if err != nil {
		return Payload{}, fmt.Errorf("get payload %s: %w", id, err)
	}
	payload.CreatedAt = fromMillis(createdAt)
	return payload, nil
}

// DeleteOlderThan removes payloads created strictly before cutoff.
func (s *PayloadStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.exec(ctx, `DELETE FROM payloads WHERE created_at_ms < $1`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep payloads: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep payloads: %w", err)
	}
	return int(affected), nil
}

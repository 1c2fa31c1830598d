package payload

import (
	"context"
	"errors"
	"time"

	"notebook/api/internal/store"
)

// SQLStore keeps payloads in the metadata database's payloads table.
type SQLStore struct {
	payloads *store.PayloadStore
	db       *store.DB
	owned    bool
	now      func() time.Time
}

func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{payloads: store.NewPayloadStore(db), db: db, now: time.Now}
}

func (s *SQLStore) Put(ctx context.Context, id string, data []byte) error {
	return s.payloads.Put(ctx, id, data, s.now())
}

func (s *SQLStore) Get(ctx context.Context, id string) ([]byte, error) {
	payload, err := s.payloads.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload.Data, nil
}

func (s *SQLStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	return s.payloads.DeleteOlderThan(ctx, olderThan)
}

// Close closes the database only when the store opened it itself.
func (s *SQLStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

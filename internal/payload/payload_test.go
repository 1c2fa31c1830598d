package payload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"notebook/api/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryPutGetCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	data := []byte("delta")
	if err := m.Put(ctx, "p1", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'X'
	got, err := m.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "delta" {
		t.Fatalf("stored payload mutated through caller slice: %q", got)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestSweeperRemovesExpiredPayloads(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now.Add(-25 * time.Hour) }
	_ = m.Put(ctx, "old", []byte("a"))
	m.now = func() time.Time { return now.Add(-time.Hour) }
	_ = m.Put(ctx, "recent", []byte("b"))

	sweeper := NewSweeper(m, discardLogger())
	sweeper.now = func() time.Time { return now }
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := m.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old payload still present: %v", err)
	}
	if _, err := m.Get(ctx, "recent"); err != nil {
		t.Fatalf("recent payload swept: %v", err)
	}
}

func TestSweeperStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(NewMemory(), discardLogger())
	sweeper.Interval = 5 * time.Millisecond
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestBuildFromDSN(t *testing.T) {
	ctx := context.Background()

	mem, err := BuildFromDSN(ctx, "memory://", nil)
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := mem.(*Memory); !ok {
		t.Fatalf("memory dsn built %T", mem)
	}

	sqlStore, err := BuildFromDSN(ctx, "sqlite://"+filepath.Join(t.TempDir(), "payloads.db"), nil)
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.Put(ctx, "p", []byte("payload")); err != nil {
		t.Fatalf("sqlite put: %v", err)
	}
	got, err := sqlStore.Get(ctx, "p")
	if err != nil || string(got) != "payload" {
		t.Fatalf("sqlite get = %q, %v", got, err)
	}
	if _, err := sqlStore.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sqlite missing err = %v", err)
	}

	if _, err := BuildFromDSN(ctx, "ftp://example", nil); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestBuildFromDSNReusesDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := BuildFromDSN(ctx, "", db)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := s.(*SQLStore); !ok {
		t.Fatalf("empty dsn with db built %T", s)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("shared db closed by payload store: %v", err)
	}
}

func TestMinioConfigFromURL(t *testing.T) {
	s, err := BuildFromDSN(context.Background(), "s3://only-host", nil)
	if err == nil {
		_ = s.Close()
		t.Fatal("expected error for dsn without bucket")
	}
}

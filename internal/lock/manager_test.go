package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook/api/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireTimesOutWhileRenewedByOwner(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), testLogger())

	held, err := mgr.Acquire(ctx, "doc", "owner-a", Options{Lease: 60 * time.Millisecond})
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = mgr.Acquire(ctx, "doc", "owner-b", Options{
		Lease:          time.Second,
		Timeout:        200 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	var timeoutErr *AcquireTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "doc", timeoutErr.Name)
	assert.Greater(t, timeoutErr.Attempts, 1)
	assert.True(t, IsAcquireTimeout(err))
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	now := time.Now()
	// crashed owner never renews or releases
	require.NoError(t, mem.TryAcquire(ctx, "doc", "crashed", now, now.Add(80*time.Millisecond)))

	mgr := NewManager(mem, testLogger())
	lease, err := mgr.Acquire(ctx, "doc", "survivor", Options{Lease: time.Second, Timeout: 2 * time.Second, InitialBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	defer lease.Release(ctx)

	row, ok := mem.Get("doc")
	require.True(t, ok)
	assert.Equal(t, "survivor", row.OwnerID)
}

func TestAcquireHonoursContextCancel(t *testing.T) {
	mem := NewMemoryStore()
	now := time.Now()
	require.NoError(t, mem.TryAcquire(context.Background(), "doc", "other", now, now.Add(time.Hour)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewManager(mem, testLogger()).Acquire(ctx, "doc", "me", Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotentAndFreesLock(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mgr := NewManager(mem, testLogger())

	lease, err := mgr.Acquire(ctx, "doc", "a", Options{Lease: time.Second})
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	row, _ := mem.Get("doc")
	assert.False(t, row.IsLocked)

	other, err := mgr.Acquire(ctx, "doc", "b", Options{Lease: time.Second, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestLostLeaseCancelsCriticalSection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mgr := NewManager(mem, testLogger())

	err := mgr.WithLock(ctx, "doc", "a", Options{Lease: 30 * time.Millisecond}, func(ctx context.Context) error {
		// someone forcibly takes the row over
		mem.mu.Lock()
		row := mem.rows["doc"]
		row.OwnerID = "intruder"
		mem.rows["doc"] = row
		mem.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(time.Second):
			return errors.New("critical section was not cancelled")
		}
	})
	assert.ErrorIs(t, err, ErrLost)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mgr := NewManager(mem, testLogger())
	boom := errors.New("boom")

	err := mgr.WithLock(ctx, "doc", "a", Options{}, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	row, _ := mem.Get("doc")
	assert.False(t, row.IsLocked)
}

func TestWithLockIsMutuallyExclusiveOverSQL(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db))

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		owner := "owner-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			mgr := NewManager(NewSQLStore(db), testLogger())
			err := mgr.WithLock(ctx, "doc", owner, Options{Lease: time.Second, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, func(context.Context) error {
				n := active.Add(1)
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

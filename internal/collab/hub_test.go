package collab

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook/api/internal/crdt"
	"notebook/api/internal/execution"
	"notebook/api/internal/lock"
	"notebook/api/internal/notebook"
	"notebook/api/internal/payload"
	"notebook/api/internal/replication"
	"notebook/api/internal/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// cluster shares what separate processes would share: the transport, the
// payload store, the lock table and the snapshot table.
type cluster struct {
	transport *replication.MemoryTransport
	payloads  *payload.Memory
	locks     *lock.MemoryStore
	snapshots *store.SnapshotStore
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "notebook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db))

	return &cluster{
		transport: replication.NewMemoryTransport(),
		payloads:  payload.NewMemory(),
		locks:     lock.NewMemoryStore(),
		snapshots: store.NewSnapshotStore(db),
	}
}

type resolverFunc func(md execution.Metadata) (execution.Executor, error)

func (f resolverFunc) Resolve(md execution.Metadata) (execution.Executor, error) { return f(md) }

func succeed(counter *atomic.Int32) execution.Resolver {
	return resolverFunc(func(execution.Metadata) (execution.Executor, error) {
		return execution.ExecutorFunc(func(context.Context, execution.Job) error {
			counter.Add(1)
			return nil
		}), nil
	})
}

func (c *cluster) hub(t *testing.T, ownerLoops bool, resolver execution.Resolver) *Hub {
	t.Helper()
	bus, err := replication.NewBus(c.transport, c.payloads, replication.Options{})
	require.NoError(t, err)
	if resolver == nil {
		var unused atomic.Int32
		resolver = succeed(&unused)
	}
	h := New(Deps{
		Bus:       bus,
		Snapshots: c.snapshots,
		Locker:    lock.NewManager(c.locks, nil),
		Resolver:  resolver,
	}, Options{
		OwnerLoops:      ownerLoops,
		PersistInterval: 20 * time.Millisecond,
		RestartDelay:    20 * time.Millisecond,
		Lock:            lock.Options{Lease: time.Second, MaxBackoff: 20 * time.Millisecond},
	})
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

func putPython(t *testing.T, doc *notebook.Document, id string) {
	t.Helper()
	require.NoError(t, doc.PutBlock("user", &notebook.PythonBlock{BlockBase: notebook.BlockBase{ID: id}, Source: "1 + 1"}))
}

func hasBlock(doc *notebook.Document, id string) func() bool {
	return func() bool {
		_, err := doc.Block(id)
		return err == nil
	}
}

func TestOpenReturnsSameRoom(t *testing.T) {
	c := newCluster(t)
	h := c.hub(t, false, nil)
	ctx := context.Background()

	first, err := h.Open(ctx, "doc-1")
	require.NoError(t, err)
	second, err := h.Open(ctx, "doc-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, h.Rooms())

	got, ok := h.Lookup("doc-1")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestUpdatesReplicateBetweenHubs(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	a, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	b, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)

	putPython(t, a.Document(), "from-a")
	require.Eventually(t, hasBlock(b.Document(), "from-a"), waitFor, tick)

	putPython(t, b.Document(), "from-b")
	require.Eventually(t, hasBlock(a.Document(), "from-b"), waitFor, tick)
}

func TestLateJoinerReceivesStateThroughSync(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	a, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	putPython(t, a.Document(), "early")

	// opened before any snapshot was persisted
	b, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	require.Eventually(t, hasBlock(b.Document(), "early"), waitFor, tick)
}

func TestClientUpdatesAreForwarded(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	a, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	b, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)

	// a browser editing its own replica
	client := notebook.New("doc-1", "browser")
	var captured []byte
	unobserve := client.Observe(func(change crdt.Change) {
		data, err := crdt.EncodeUpdate(change.Update)
		require.NoError(t, err)
		captured = data
	})
	putPython(t, client, "typed")
	unobserve()
	require.NotEmpty(t, captured)

	require.NoError(t, a.ApplyClientUpdate(captured))
	assert.True(t, hasBlock(a.Document(), "typed")())
	require.Eventually(t, hasBlock(b.Document(), "typed"), waitFor, tick)

	assert.Error(t, a.ApplyClientUpdate([]byte("not an update")))
}

func TestCloseFlushesSnapshotForNextOpen(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	h := c.hub(t, false, nil)
	room, err := h.Open(ctx, "doc-1")
	require.NoError(t, err)
	putPython(t, room.Document(), "kept")
	require.NoError(t, h.Close(ctx, "doc-1"))
	assert.Equal(t, 0, h.Rooms())

	snap, err := c.snapshots.LoadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.State)

	reopened, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, hasBlock(reopened.Document(), "kept")())
}

func TestPersistLoopWritesWithoutClose(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	room, err := c.hub(t, false, nil).Open(ctx, "doc-1")
	require.NoError(t, err)
	putPython(t, room.Document(), "b1")

	require.Eventually(t, func() bool {
		_, err := c.snapshots.LoadSnapshot(ctx, "doc-1")
		return err == nil
	}, waitFor, tick)
}

func TestOwnerLoopRunsQueuedItems(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	var runs atomic.Int32
	room, err := c.hub(t, true, succeed(&runs)).Open(ctx, "doc-1")
	require.NoError(t, err)
	putPython(t, room.Document(), "b1")

	item, err := room.Queue().Enqueue("b1", "user-1", execution.Python{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := room.Queue().Item(item.ID)
		return err == nil && got.Status == execution.StatusSuccess
	}, waitFor, tick)
	assert.Equal(t, int32(1), runs.Load())
}

func TestReplicaWithoutOwnerLoopsNeverRuns(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	var runs atomic.Int32
	room, err := c.hub(t, false, succeed(&runs)).Open(ctx, "doc-1")
	require.NoError(t, err)
	putPython(t, room.Document(), "b1")

	item, err := room.Queue().Enqueue("b1", "user-1", execution.Python{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	got, err := room.Queue().Item(item.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusEnqueued, got.Status)
	assert.Zero(t, runs.Load())
}

func TestOnlyOneOwnerRunsEachItem(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	var runsA, runsB atomic.Int32
	a, err := c.hub(t, true, succeed(&runsA)).Open(ctx, "doc-1")
	require.NoError(t, err)
	b, err := c.hub(t, true, succeed(&runsB)).Open(ctx, "doc-1")
	require.NoError(t, err)

	var ids []string
	for _, id := range []string{"b1", "b2", "b3"} {
		putPython(t, a.Document(), id)
		item, err := a.Queue().Enqueue(id, "user-1", execution.Python{})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	for _, room := range []*Room{a, b} {
		require.Eventually(t, func() bool {
			for _, id := range ids {
				got, err := room.Queue().Item(id)
				if err != nil || got.Status != execution.StatusSuccess {
					return false
				}
			}
			return true
		}, waitFor, tick)
	}
	assert.Equal(t, int32(3), runsA.Load()+runsB.Load())
}

func TestShutdownRejectsOpen(t *testing.T) {
	c := newCluster(t)
	h := c.hub(t, false, nil)
	ctx := context.Background()
	_, err := h.Open(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, h.Shutdown(ctx))
	_, err = h.Open(ctx, "doc-2")
	assert.ErrorIs(t, err, ErrClosed)
}

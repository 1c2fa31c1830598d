// Package collab keeps the documents this process serves in memory, replicates
// their updates between processes and runs the lease-guarded owner loops.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notebook/api/internal/aitask"
	"notebook/api/internal/execution"
	"notebook/api/internal/lock"
	"notebook/api/internal/replication"
	"notebook/api/internal/store"
)

const (
	DefaultPersistInterval = 5 * time.Second
	DefaultRestartDelay    = 2 * time.Second
	DefaultRetention       = time.Hour
)

var ErrClosed = errors.New("collab hub closed")

// SnapshotStore persists the encoded state of a document.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, documentID string) (store.DocumentSnapshot, error)
	SaveSnapshot(ctx context.Context, documentID string, state []byte, clock uint64, updatedAt time.Time) error
}

// Deps are the collaborators shared by every room. AI may be nil, in which
// case AI tasks stay queued until a process with a client picks them up.
type Deps struct {
	Bus       *replication.Bus
	Snapshots SnapshotStore
	Locker    aitask.Locker
	Resolver  execution.Resolver
	AI        *aitask.Executor
}

type Options struct {
	// OwnerID identifies this process in lease rows. Defaults to the bus sender id.
	OwnerID string
	// OwnerLoops=false never competes for the execution and AI leases.
	OwnerLoops      bool
	PersistInterval time.Duration
	AbortGrace      time.Duration
	RestartDelay    time.Duration
	Retention       time.Duration
	Lock            lock.Options
	AI              aitask.PoolOptions
	Logger          *slog.Logger
}

type Hub struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func New(deps Deps, opts Options) *Hub {
	if opts.OwnerID == "" {
		opts.OwnerID = deps.Bus.SenderID()
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		deps:   deps,
		opts:   opts,
		logger: opts.Logger.With("component", "collab", "owner", opts.OwnerID),
		now:    time.Now,
		rooms:  make(map[string]*Room),
	}
}

// Open returns the room for documentID, loading the document from its last
// snapshot the first time it is asked for.
func (h *Hub) Open(ctx context.Context, documentID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if room, ok := h.rooms[documentID]; ok {
		return room, nil
	}
	room, err := h.openRoom(ctx, documentID)
	if err != nil {
		return nil, err
	}
	h.rooms[documentID] = room
	return room, nil
}

// Lookup returns an already open room.
func (h *Hub) Lookup(documentID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	return room, ok
}

// Close stops the room's loops, flushes its snapshot and releases its leases.
func (h *Hub) Close(ctx context.Context, documentID string) error {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	delete(h.rooms, documentID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return room.close(ctx)
}

// Shutdown closes every room. Open fails afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, room := range rooms {
		wg.Add(1)
		go func(id string, room *Room) {
			defer wg.Done()
			if err := room.close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
				mu.Unlock()
			}
		}(id, room)
	}
	wg.Wait()
	h.logger.Info("collab hub stopped", "rooms", len(rooms))
	return errors.Join(errs...)
}

// Rooms is the number of documents currently open.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"notebook/api/internal/aitask"
	"notebook/api/internal/crdt"
	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/replication"
	"notebook/api/internal/store"
)

const outboxSize = 256

// DocumentChannel carries a document's updates between processes.
func DocumentChannel(documentID string) string { return "document:" + documentID }

// syncChannel carries requests from processes that just opened the document.
// Peers answer with their full state addressed to the requester.
func syncChannel(documentID string) string { return "document-sync:" + documentID }

// Room is one open document with its queues.
type Room struct {
	hub    *Hub
	id     string
	doc    *notebook.Document
	queue  *execution.Queue
	runAll *execution.RunAll
	tasks  *aitask.Queue
	logger *slog.Logger

	outbox    chan crdt.Update
	dirty     atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	unobserve func()
	unsubs    []func()
	closeOnce sync.Once
}

func (h *Hub) openRoom(ctx context.Context, documentID string) (*Room, error) {
	doc := notebook.New(documentID, h.deps.Bus.SenderID())
	snap, err := h.deps.Snapshots.LoadSnapshot(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", documentID, err)
	default:
		if err := doc.CRDT().LoadState(snap.State); err != nil {
			return nil, fmt.Errorf("open %s: %w", documentID, err)
		}
	}

	queue := execution.NewQueue(doc)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Room{
		hub:    h,
		id:     documentID,
		doc:    doc,
		queue:  queue,
		runAll: execution.NewRunAll(queue, h.logger.With("documentId", documentID)),
		tasks:  aitask.NewQueue(doc),
		logger: h.logger.With("documentId", documentID),
		outbox: make(chan crdt.Update, outboxSize),
		ctx:    runCtx,
		cancel: cancel,
	}
	r.unobserve = doc.Observe(r.onChange)

	for channel, handler := range map[string]replication.Handler{
		DocumentChannel(documentID): r.onRemote,
		syncChannel(documentID):     r.onSyncRequest,
	} {
		unsub, err := h.deps.Bus.Subscribe(runCtx, channel, handler)
		if err != nil {
			r.stop()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		r.unsubs = append(r.unsubs, unsub)
	}

	r.spawn(r.publishLoop)
	r.spawn(r.persistLoop)
	if h.opts.OwnerLoops {
		r.spawn(r.executionLoop)
		if h.deps.AI != nil {
			r.spawn(r.aiLoop)
		}
	}

	if err := h.deps.Bus.Publish(runCtx, replication.Message{Channel: syncChannel(documentID), Payload: []byte("{}")}); err != nil {
		r.logger.Warn("sync request failed", "error", err)
	}
	r.logger.Info("document opened", "ownerLoops", h.opts.OwnerLoops)
	return r, nil
}

func (r *Room) ID() string                   { return r.id }
func (r *Room) Document() *notebook.Document { return r.doc }
func (r *Room) Queue() *execution.Queue      { return r.queue }
func (r *Room) RunAll() *execution.RunAll    { return r.runAll }
func (r *Room) Tasks() *aitask.Queue         { return r.tasks }

// ApplyClientUpdate merges an update sent by a connected client and forwards it
// to the other processes.
func (r *Room) ApplyClientUpdate(data []byte) error {
	update, err := crdt.DecodeUpdate(data)
	if err != nil {
		return err
	}
	if r.doc.ApplyRemoteUpdate(update) {
		r.forward(update)
	}
	return nil
}

// Flush writes the snapshot now if anything changed since the last write.
func (r *Room) Flush(ctx context.Context) error {
	if !r.dirty.Swap(false) {
		return nil
	}
	state, err := r.doc.CRDT().EncodeState()
	if err != nil {
		r.dirty.Store(true)
		return fmt.Errorf("encode %s: %w", r.id, err)
	}
	if err := r.hub.deps.Snapshots.SaveSnapshot(ctx, r.id, state, r.doc.CRDT().Clock(), r.hub.now()); err != nil {
		r.dirty.Store(true)
		return err
	}
	return nil
}

func (r *Room) spawn(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

func (r *Room) onChange(change crdt.Change) {
	r.dirty.Store(true)
	if change.Local {
		r.forward(change.Update)
	}
}

func (r *Room) forward(update crdt.Update) {
	select {
	case r.outbox <- update:
	case <-r.ctx.Done():
	}
}

func (r *Room) onRemote(_ context.Context, msg replication.Message) {
	update, err := crdt.DecodeUpdate(msg.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable update", "messageId", msg.ID, "error", err)
		return
	}
	r.doc.ApplyRemoteUpdate(update)
}

func (r *Room) onSyncRequest(ctx context.Context, msg replication.Message) {
	snapshot := r.doc.CRDT().Snapshot()
	if len(snapshot.Ops) == 0 {
		return
	}
	data, err := crdt.EncodeUpdate(snapshot)
	if err != nil {
		r.logger.Warn("encode sync reply", "error", err)
		return
	}
	err = r.hub.deps.Bus.Publish(ctx, replication.Message{
		Channel:  DocumentChannel(r.id),
		TargetID: msg.SenderID,
		Clock:    r.doc.CRDT().Clock(),
		Payload:  data,
	})
	if err != nil {
		r.logger.Warn("sync reply failed", "peer", msg.SenderID, "error", err)
	}
}

func (r *Room) publish(ctx context.Context, update crdt.Update) {
	data, err := crdt.EncodeUpdate(update)
	if err != nil {
		r.logger.Error("encode update", "updateId", update.ID, "error", err)
		return
	}
	err = r.hub.deps.Bus.Publish(ctx, replication.Message{
		Channel: DocumentChannel(r.id),
		Clock:   update.Clock,
		Payload: data,
	})
	if err != nil {
		r.logger.Warn("publish update failed", "updateId", update.ID, "error", err)
	}
}

// publishLoop sends updates in the order they were made. Whatever is still
// queued at shutdown goes out before the loop returns.
func (r *Room) publishLoop(ctx context.Context) {
	for {
		select {
		case update := <-r.outbox:
			r.publish(ctx, update)
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case update := <-r.outbox:
					r.publish(drainCtx, update)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(r.hub.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("persist snapshot failed", "error", err)
			}
		}
	}
}

// executionLoop competes for the document's execution lease and runs the
// worker while holding it. Finished items older than the retention window are
// pruned by the same holder.
func (r *Room) executionLoop(ctx context.Context) {
	opts := r.hub.opts
	name := "execution:" + r.id
	for {
		err := r.hub.deps.Locker.WithLock(ctx, name, opts.OwnerID, opts.Lock, func(ctx context.Context) error {
			r.logger.Info("execution lease acquired")
			go r.pruneLoop(ctx)
			worker := execution.NewWorker(r.queue, r.hub.deps.Resolver, execution.WorkerOptions{
				AbortGrace: opts.AbortGrace,
				Logger:     r.hub.logger,
				OnFinished: r.runAll.ItemFinished,
			})
			return worker.Run(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("execution worker stopped, restarting", "error", err, "delay", opts.RestartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.RestartDelay):
		}
	}
}

func (r *Room) pruneLoop(ctx context.Context) {
	retention := r.hub.opts.Retention
	ticker := time.NewTicker(retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := r.hub.now().Add(-retention)
			items, err := r.queue.Prune(cutoff)
			if err != nil {
				r.logger.Warn("prune execution queue", "error", err)
			}
			tasks, err := r.tasks.Prune(cutoff)
			if err != nil {
				r.logger.Warn("prune ai tasks", "error", err)
			}
			if items+tasks > 0 {
				r.logger.Debug("pruned finished work", "items", items, "tasks", tasks)
			}
		}
	}
}

func (r *Room) aiLoop(ctx context.Context) {
	opts := r.hub.opts.AI
	opts.OwnerID = r.hub.opts.OwnerID
	opts.Lock = r.hub.opts.Lock
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = r.hub.opts.AbortGrace
	}
	opts.Logger = r.hub.logger
	pool := aitask.NewPool(r.tasks, r.hub.deps.AI, r.hub.deps.Locker, opts)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("ai pool stopped", "error", err)
	}
}

func (r *Room) stop() {
	r.unobserve()
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.cancel()
	r.wg.Wait()
	r.queue.Close()
	r.tasks.Close()
}

func (r *Room) close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.stop()
		err = r.Flush(ctx)
		r.logger.Info("document closed")
	})
	return err
}

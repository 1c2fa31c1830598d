package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultLease          = 30 * time.Second
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

type Options struct {
	Lease time.Duration
	// Timeout bounds the whole acquisition. Zero waits until ctx is done.
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Acquire blocks until ownerID holds name, retrying contention with capped
// exponential backoff. It returns *AcquireTimeoutError once opts.Timeout is spent
// and the context error if ctx ends first.
func (m *Manager) Acquire(ctx context.Context, name, ownerID string, opts Options) (*Lease, error) {
	opts = opts.withDefaults()
	started := m.now()
	backoff := opts.InitialBackoff
	attempts := 0

	for {
		attempts++
		now := m.now()
		err := m.store.TryAcquire(ctx, name, ownerID, now, now.Add(opts.Lease))
		if err == nil {
			m.logger.Debug("lock acquired", "lock", name, "owner", ownerID, "attempts", attempts)
			return m.startLease(name, ownerID, opts.Lease), nil
		}
		if !errors.Is(err, ErrContention) {
			return nil, fmt.Errorf("acquire lock %q: %w", name, err)
		}

		elapsed := m.now().Sub(started)
		if opts.Timeout > 0 && elapsed+backoff > opts.Timeout {
			return nil, &AcquireTimeoutError{Name: name, Attempts: attempts, Elapsed: elapsed}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

// WithLock runs fn while holding name. The lease is always released, and fn's
// context is cancelled with ErrLost if the lease is taken over mid-run.
func (m *Manager) WithLock(ctx context.Context, name, ownerID string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, name, ownerID, opts)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			m.logger.Warn("lock release failed", "lock", name, "owner", ownerID, "error", relErr)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			cancel(ErrLost)
		case <-runCtx.Done():
		}
	}()
	return fn(runCtx)
}

func (m *Manager) startLease(name, ownerID string, lease time.Duration) *Lease {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		name:    name,
		ownerID: ownerID,
		lease:   lease,
		manager: m,
		cancel:  cancel,
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	go l.renewLoop(ctx)
	return l
}

// Lease is a held lock. Renewal runs every lease/3 until Release.
type Lease struct {
	name    string
	ownerID string
	lease   time.Duration
	manager *Manager

	cancel      context.CancelFunc
	done        chan struct{}
	lost        chan struct{}
	lostOnce    sync.Once
	releaseOnce sync.Once
	releaseErr  error
}

func (l *Lease) Name() string    { return l.name }
func (l *Lease) OwnerID() string { return l.ownerID }

// Lost is closed when a renewal finds the row owned by someone else.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)
	interval := l.lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.manager.store.Renew(ctx, l.name, l.ownerID, l.manager.now().Add(l.lease))
			switch {
			case err == nil:
			case errors.Is(err, ErrNotHeld):
				l.manager.logger.Warn("lock lease lost", "lock", l.name, "owner", l.ownerID)
				l.lostOnce.Do(func() { close(l.lost) })
				return
			case ctx.Err() != nil:
				return
			default:
				l.manager.logger.Warn("lock renew failed", "lock", l.name, "owner", l.ownerID, "error", err)
			}
		}
	}
}

// Release stops renewal and marks the row unlocked. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.releaseOnce.Do(func() {
		l.cancel()
		<-l.done
		err := l.manager.store.Release(ctx, l.name, l.ownerID)
		if err != nil && !errors.Is(err, ErrNotHeld) {
			l.releaseErr = fmt.Errorf("release lock %q: %w", l.name, err)
			return
		}
		l.manager.logger.Debug("lock released", "lock", l.name, "owner", l.ownerID)
	})
	return l.releaseErr
}

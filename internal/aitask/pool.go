package aitask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"notebook/api/internal/lock"
)

const (
	DefaultConcurrency  = 4
	DefaultPingTimeout  = 30 * time.Second
	DefaultRestartDelay = 2 * time.Second
	DefaultAbortGrace   = 10 * time.Second
	maxErrorLength      = 512
)

// Locker is the subset of lock.Manager the pool needs.
type Locker interface {
	WithLock(ctx context.Context, name, ownerID string, opts lock.Options, fn func(ctx context.Context) error) error
}

type PoolOptions struct {
	OwnerID      string
	Concurrency  int
	PingTimeout  time.Duration
	RestartDelay time.Duration
	AbortGrace   time.Duration
	Lock         lock.Options
	Logger       *slog.Logger
}

// Pool drains one document's AI queue with bounded parallelism while holding
// the document's ai-tasks lease.
type Pool struct {
	queue        *Queue
	executor     *Executor
	locker       Locker
	watchdog     *Watchdog
	ownerID      string
	concurrency  int
	pingTimeout  time.Duration
	restartDelay time.Duration
	abortGrace   time.Duration
	lockOpts     lock.Options
	logger       *slog.Logger
}

func NewPool(queue *Queue, executor *Executor, locker Locker, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("documentId", queue.doc.ID())
	return &Pool{
		queue:        queue,
		executor:     executor,
		locker:       locker,
		watchdog:     NewWatchdog(queue, opts.PingTimeout, logger),
		ownerID:      opts.OwnerID,
		concurrency:  opts.Concurrency,
		pingTimeout:  opts.PingTimeout,
		restartDelay: opts.RestartDelay,
		abortGrace:   opts.AbortGrace,
		lockOpts:     opts.Lock,
		logger:       logger,
	}
}

func (p *Pool) lockName() string { return "ai-tasks:" + p.queue.doc.ID() }

// Run keeps the consumer alive until ctx is done. A consumer that fails or
// panics is restarted after RestartDelay.
func (p *Pool) Run(ctx context.Context) error {
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("ai task consumer stopped, restarting", "error", err, "delay", p.restartDelay)
		timer := time.NewTimer(p.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pool) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ai task consumer panic: %v", r)
		}
	}()
	return p.locker.WithLock(ctx, p.lockName(), p.ownerID, p.lockOpts, p.consume)
}

func (p *Pool) consume(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	finished := make(chan struct{}, 1)
	ticker := time.NewTicker(p.pingTimeout / 2)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.abortPending()
		for sem.TryAcquire(1) {
			task, ok, err := p.queue.claimNext()
			if err != nil || !ok {
				sem.Release(1)
				if err != nil {
					return fmt.Errorf("claim ai task: %w", err)
				}
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				p.process(ctx, task)
				select {
				case finished <- struct{}{}:
				default:
				}
			}()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.signal:
		case <-finished:
		case <-ticker.C:
			if _, err := p.watchdog.Sweep(); err != nil {
				p.logger.Warn("ai task watchdog sweep failed", "error", err)
			}
		}
	}
}

// abortPending completes enqueued tasks that were aborted before they started.
func (p *Pool) abortPending() {
	for _, task := range p.queue.Tasks() {
		if task.Status == StatusEnqueued && task.AbortRequested {
			p.logger.Info("ai task aborted before start", "taskId", task.ID, "blockId", task.BlockID)
			if _, err := p.queue.transition(task, StatusCompleted, ResultAborted, ""); err != nil {
				p.logger.Error("failed to abort ai task", "taskId", task.ID, "error", err)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, task Task) {
	logger := p.logger.With("blockId", task.BlockID, "taskId", task.ID, "tag", tagOf(task))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	abortCh := make(chan struct{})
	var abortOnce sync.Once
	requestAbort := func() { abortOnce.Do(func() { close(abortCh) }) }
	unobserve := p.queue.ObserveTask(task.ID, func(latest Task) {
		if latest.AbortRequested {
			requestAbort()
		}
	})
	defer unobserve()
	if latest, err := p.queue.Task(task.ID); err == nil && latest.AbortRequested {
		requestAbort()
	}

	go p.heartbeat(runCtx, logger, task)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("ai executor panic: %v", r)
			}
		}()
		done <- p.executor.Run(runCtx, p.queue.doc, task)
	}()

	select {
	case err := <-done:
		p.complete(logger, task, err)
	case <-abortCh:
		if _, err := p.queue.transition(task, StatusAborting, "", ""); err != nil {
			logger.Error("failed to mark ai task aborting", "error", err)
		}
		cancel(ErrAborted)
		grace := time.NewTimer(p.abortGrace)
		defer grace.Stop()
		var err error
		select {
		case err = <-done:
		case <-grace.C:
			logger.Warn("ai executor ignored abort", "grace", p.abortGrace)
			p.finish(logger, task, ResultError, fmt.Sprintf("ai task did not stop within %s of abort", p.abortGrace))
			return
		}
		if err == nil || errors.Is(err, ErrAborted) {
			logger.Info("ai task aborted")
			p.finish(logger, task, ResultAborted, "")
			return
		}
		p.complete(logger, task, err)
	case <-ctx.Done():
		// lease lost or shutting down: the heartbeat stops and the watchdog of
		// the next owner picks the task up
		cancel(context.Cause(ctx))
		<-done
		logger.Info("ai task left for the next owner")
	}
}

func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, task Task) {
	ticker := time.NewTicker(p.pingTimeout / 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ping(task); err != nil {
				logger.Warn("ai task heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) complete(logger *slog.Logger, task Task, err error) {
	switch {
	case err == nil:
		logger.Debug("ai task succeeded")
		p.finish(logger, task, ResultSuccess, "")
	case errors.Is(err, ErrAborted):
		logger.Info("ai task aborted")
		p.finish(logger, task, ResultAborted, "")
	default:
		logger.Warn("ai task failed", "error", truncate(err.Error()))
		p.finish(logger, task, ResultError, truncate(err.Error()))
	}
}

func (p *Pool) finish(logger *slog.Logger, task Task, result Result, message string) {
	if _, err := p.queue.transition(task, StatusCompleted, result, message); err != nil {
		if errors.Is(err, errStaleAttempt) {
			logger.Info("ai task was reclaimed while running", "result", result)
			return
		}
		logger.Error("failed to complete ai task", "result", result, "error", err)
	}
}

func tagOf(task Task) string {
	if task.Metadata == nil {
		return ""
	}
	return task.Metadata.Tag()
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}

// Watchdog reclaims tasks whose heartbeat stopped. A stalled running task is
// requeued once and failed the second time.
type Watchdog struct {
	queue   *Queue
	timeout time.Duration
	logger  *slog.Logger
}

func NewWatchdog(queue *Queue, timeout time.Duration, logger *slog.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{queue: queue, timeout: timeout, logger: logger}
}

// Sweep handles every stale task once and reports how many it changed.
func (w *Watchdog) Sweep() (int, error) {
	now := w.queue.now()
	changed := 0
	var errs []error
	for _, task := range w.queue.Tasks() {
		stale := now.Sub(task.Ping) > w.timeout
		var (
			to      Status
			result  Result
			message string
		)
		switch {
		case task.Status == StatusUnknown:
			to, result, message = StatusCompleted, ResultError, "unknown task status"
		case task.Status == StatusRunning && stale && !task.Requeued:
			to = StatusEnqueued
		case task.Status == StatusRunning && stale:
			to, result, message = StatusCompleted, ResultError, "ai task stalled"
		case task.Status == StatusAborting && stale:
			to, result = StatusCompleted, ResultAborted
		default:
			continue
		}
		if _, err := w.queue.transition(task, to, result, message); err != nil {
			errs = append(errs, err)
			continue
		}
		w.logger.Warn("reclaimed stalled ai task", "taskId", task.ID, "blockId", task.BlockID, "from", task.Status, "to", to)
		changed++
	}
	return changed, errors.Join(errs...)
}

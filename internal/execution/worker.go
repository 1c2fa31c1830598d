package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notebook/api/internal/notebook"
)

const (
	DefaultAbortGrace = 10 * time.Second
	maxErrorLength    = 512
)

// Job is everything an executor needs for one item.
type Job struct {
	Item     Item
	Block    notebook.Block
	Metadata Metadata
	Document *notebook.Document
	Logger   *slog.Logger
}

// Executor runs a single item. Returning nil means success. When ctx is
// cancelled with ErrAborted the executor must abort its runtime call, wait for
// the abort to finish and return ErrAborted.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

type ExecutorFunc func(ctx context.Context, job Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }

// Resolver picks the executor for an item's metadata.
type Resolver interface {
	Resolve(md Metadata) (Executor, error)
}

type WorkerOptions struct {
	AbortGrace time.Duration
	Logger     *slog.Logger
	// OnFinished runs after an item reaches a terminal status.
	OnFinished func(Item)
}

// Worker drains one document's queue with concurrency 1. Only the process that
// holds the document lease runs a Worker, which makes it the sole writer of
// item status.
type Worker struct {
	queue      *Queue
	resolver   Resolver
	logger     *slog.Logger
	abortGrace time.Duration
	onFinished func(Item)
}

func NewWorker(queue *Queue, resolver Resolver, opts WorkerOptions) *Worker {
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = DefaultAbortGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:      queue,
		resolver:   resolver,
		logger:     opts.Logger.With("documentId", queue.doc.ID()),
		abortGrace: opts.AbortGrace,
		onFinished: opts.OnFinished,
	}
}

// Run processes items until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.recoverInterrupted()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.abortPending()
		item, ok := w.queue.Next()
		if !ok {
			if err := w.queue.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		w.process(ctx, item)
	}
}

// recoverInterrupted fails items a previous owner left running.
func (w *Worker) recoverInterrupted() {
	for _, item := range w.queue.Items() {
		if item.Status != StatusRunning && item.Status != StatusAborting {
			continue
		}
		w.logger.Warn("failing item interrupted by previous owner", "itemId", item.ID, "blockId", item.BlockID)
		if item.Status == StatusRunning {
			w.finish(item, StatusError, "execution interrupted")
			continue
		}
		w.finish(item, StatusAborted, "")
	}
}

// abortPending moves enqueued items with an abort request straight to aborted.
func (w *Worker) abortPending() {
	for _, item := range w.queue.Items() {
		if item.Status == StatusEnqueued && item.AbortRequested {
			w.logger.Info("aborted before start", "itemId", item.ID, "blockId", item.BlockID)
			w.finish(item, StatusAborted, "")
		}
	}
}

func (w *Worker) finish(item Item, to Status, message string) {
	updated, err := w.queue.transition(item.ID, to, truncate(message))
	if err != nil {
		w.logger.Error("failed to set item status", "itemId", item.ID, "status", to, "error", err)
		return
	}
	if w.onFinished != nil && IsTerminal(to) {
		w.onFinished(updated)
	}
}

func (w *Worker) process(ctx context.Context, item Item) {
	logger := w.logger.With("blockId", item.BlockID, "itemId", item.ID)

	block, err := w.queue.doc.Block(item.BlockID)
	if err != nil {
		logger.Warn("block missing for queued item", "error", err)
		w.finish(item, StatusError, err.Error())
		return
	}
	if item.Metadata == nil {
		w.finish(item, StatusError, "missing metadata")
		return
	}
	executor, err := w.resolver.Resolve(item.Metadata)
	if err != nil {
		logger.Warn("no executor for item", "tag", item.Metadata.Tag(), "error", err)
		w.finish(item, StatusError, err.Error())
		return
	}

	if _, err := w.queue.transition(item.ID, StatusRunning, ""); err != nil {
		logger.Error("failed to start item", "error", err)
		return
	}

	abortCh := make(chan struct{})
	var abortOnce sync.Once
	requestAbort := func() { abortOnce.Do(func() { close(abortCh) }) }
	unobserve := w.queue.ObserveStatus(item.ID, func(latest Item) {
		if latest.AbortRequested {
			requestAbort()
		}
	})
	defer unobserve()
	// the flag may already be set by the time the observer is attached
	if latest, err := w.queue.Item(item.ID); err == nil && latest.AbortRequested {
		requestAbort()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan error, 1)
	job := Job{Item: item, Block: block, Metadata: item.Metadata, Document: w.queue.doc, Logger: logger}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &UnexpectedError{Value: r}
			}
		}()
		done <- executor.Execute(runCtx, job)
	}()

	select {
	case err := <-done:
		w.complete(logger, item, err)
	case <-abortCh:
		w.abort(logger, item, cancel, done)
	case <-ctx.Done():
		// lease lost or shutting down: stop the executor and leave the item to
		// the next owner's recovery
		cancel(context.Cause(ctx))
		select {
		case <-done:
		case <-time.After(w.abortGrace):
		}
	}
}

func (w *Worker) complete(logger *slog.Logger, item Item, err error) {
	switch {
	case err == nil:
		logger.Debug("item succeeded")
		w.finish(item, StatusSuccess, "")
	case IsValidation(err):
		logger.Info("item failed validation", "error", err)
		w.finish(item, StatusError, err.Error())
	default:
		var unexpected *UnexpectedError
		if errors.As(err, &unexpected) {
			logger.Error("executor panicked", "error", err)
		} else {
			logger.Warn("item failed", "error", truncate(err.Error()))
		}
		w.finish(item, StatusError, err.Error())
	}
}

// abort marks the item aborting, cancels the executor and waits for it to
// acknowledge. An executor that outlives the grace period leaves the item in error.
func (w *Worker) abort(logger *slog.Logger, item Item, cancel context.CancelCauseFunc, done <-chan error) {
	if _, err := w.queue.transition(item.ID, StatusAborting, ""); err != nil {
		logger.Error("failed to mark item aborting", "error", err)
	}
	cancel(ErrAborted)

	timer := time.NewTimer(w.abortGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		var unexpected *UnexpectedError
		switch {
		case err == nil || IsAborted(err):
			logger.Info("item aborted")
			w.finish(item, StatusAborted, "")
		case errors.As(err, &unexpected):
			logger.Error("executor panicked while aborting", "error", err)
			w.finish(item, StatusError, err.Error())
		default:
			logger.Warn("item failed while aborting", "error", truncate(err.Error()))
			w.finish(item, StatusError, err.Error())
		}
	case <-timer.C:
		logger.Warn("executor ignored abort", "grace", w.abortGrace)
		w.finish(item, StatusError, fmt.Sprintf("%v after %s", ErrAbortTimeout, w.abortGrace))
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}

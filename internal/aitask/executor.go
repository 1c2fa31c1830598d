package aitask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"notebook/api/internal/ai"
	"notebook/api/internal/notebook"
)

const DefaultDebounce = 50 * time.Millisecond

// ErrNothingToFix is returned for fix tasks on blocks whose last run did not fail.
var ErrNothingToFix = errors.New("block has no error to fix")

type ExecutorOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Executor turns one task into a streamed completion whose text lands in the
// block's aiSuggestions field.
type Executor struct {
	client   ai.Client
	debounce time.Duration
	logger   *slog.Logger
}

func NewExecutor(client ai.Client, opts ExecutorOptions) *Executor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{client: client, debounce: opts.Debounce, logger: opts.Logger}
}

// Run streams the completion for task. When ctx is cancelled with ErrAborted it
// returns ErrAborted after the stream has closed. On failure the suggestion is
// cleared only while it still holds this task's own text.
func (e *Executor) Run(ctx context.Context, doc *notebook.Document, task Task) error {
	if task.Metadata == nil {
		return fmt.Errorf("ai task %s: missing metadata", task.ID)
	}
	block, err := doc.Block(task.BlockID)
	if err != nil {
		return err
	}
	builder := &requestBuilder{block: block}
	for _, df := range doc.Dataframes() {
		builder.req.Dataframes = append(builder.req.Dataframes, df.Name)
	}
	if err := task.Metadata.Accept(builder); err != nil {
		return err
	}

	write := func(text *string) error {
		return doc.UpdateBlock(origin, task.BlockID, func(b notebook.Block) error {
			return setSuggestion(b, text)
		})
	}
	// written is only touched by the debouncer, which serializes writes and
	// has finished once stop returns.
	var written *string
	deb := newDebouncer(e.debounce, func(text string) {
		if err := write(&text); err != nil {
			e.logger.Warn("failed to write partial suggestion", "blockId", task.BlockID, "taskId", task.ID, "error", err)
			return
		}
		written = &text
	})

	completion, err := e.client.Stream(ctx, builder.req, deb.push)
	deb.stop()
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		if written != nil {
			if clearErr := clearOwn(doc, task.BlockID, *written); clearErr != nil {
				e.logger.Warn("failed to clear suggestion", "blockId", task.BlockID, "taskId", task.ID, "error", clearErr)
			}
		}
		if errors.Is(err, ErrAborted) || errors.Is(context.Cause(ctx), ErrAborted) {
			return ErrAborted
		}
		return err
	}
	text := completion.Text
	return write(&text)
}

// clearOwn drops the block's suggestion if it is still own. Another task on
// the same block may have replaced it since.
func clearOwn(doc *notebook.Document, blockID, own string) error {
	return doc.UpdateBlock(origin, blockID, func(b notebook.Block) error {
		if current := currentSuggestion(b); current == nil || *current != own {
			return nil
		}
		return setSuggestion(b, nil)
	})
}

func currentSuggestion(b notebook.Block) *string {
	switch b := b.(type) {
	case *notebook.PythonBlock:
		return b.AISuggestions
	case *notebook.SQLBlock:
		return b.AISuggestions
	}
	return nil
}

func setSuggestion(b notebook.Block, text *string) error {
	switch b := b.(type) {
	case *notebook.PythonBlock:
		b.AISuggestions = text
	case *notebook.SQLBlock:
		b.AISuggestions = text
	default:
		return fmt.Errorf("block %s does not take ai suggestions", b.Base().ID)
	}
	return nil
}

type requestBuilder struct {
	block notebook.Block
	req   ai.Request
}

func (r *requestBuilder) VisitEditPython(m EditPython) error {
	b, ok := r.block.(*notebook.PythonBlock)
	if !ok {
		return r.mismatch("edit-python")
	}
	r.req.Operation = ai.OperationEdit
	r.req.Language = "python"
	r.req.Source = b.Source
	r.req.Instructions = m.Prompt
	return nil
}

func (r *requestBuilder) VisitFixPython(FixPython) error {
	b, ok := r.block.(*notebook.PythonBlock)
	if !ok {
		return r.mismatch("fix-python")
	}
	msg, ok := resultError(b.Result)
	if !ok {
		return ErrNothingToFix
	}
	r.req.Operation = ai.OperationFix
	r.req.Language = "python"
	r.req.Source = b.Source
	r.req.Error = msg
	return nil
}

func (r *requestBuilder) VisitEditSQL(m EditSQL) error {
	b, ok := r.block.(*notebook.SQLBlock)
	if !ok {
		return r.mismatch("edit-sql")
	}
	r.req.Operation = ai.OperationEdit
	r.req.Language = "sql"
	r.req.Source = b.Source
	r.req.Instructions = m.Prompt
	return nil
}

func (r *requestBuilder) VisitFixSQL(FixSQL) error {
	b, ok := r.block.(*notebook.SQLBlock)
	if !ok {
		return r.mismatch("fix-sql")
	}
	msg, ok := resultError(b.Result)
	if !ok {
		return ErrNothingToFix
	}
	r.req.Operation = ai.OperationFix
	r.req.Language = "sql"
	r.req.Source = b.Source
	r.req.Error = msg
	return nil
}

func (r *requestBuilder) mismatch(tag string) error {
	return fmt.Errorf("%s task on %s block %s", tag, r.block.Type(), r.block.Base().ID)
}

// resultError renders the error of a failed run the way the user saw it.
func resultError(res *notebook.Result) (string, bool) {
	if res == nil || (res.Kind != notebook.ResultError && res.Kind != notebook.ResultSyntaxError) {
		return "", false
	}
	for _, out := range res.Outputs {
		if out.Type != notebook.OutputError {
			continue
		}
		lines := append([]string{out.EName + ": " + out.EValue}, out.Traceback...)
		return strings.Join(lines, "\n"), true
	}
	if res.Message != "" {
		return res.Message, true
	}
	return "", false
}

// debouncer coalesces partial completions so at most one write happens per
// window. write runs with mu held, so after stop returns no write is in flight
// and none will follow.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	write   func(string)
	pending string
	dirty   bool
	timer   *time.Timer
	closed  bool
}

func newDebouncer(window time.Duration, write func(string)) *debouncer {
	return &debouncer{window: window, write: write}
}

func (d *debouncer) push(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = text
	d.dirty = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timer = nil
	if d.closed || !d.dirty {
		return
	}
	d.dirty = false
	d.write(d.pending)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

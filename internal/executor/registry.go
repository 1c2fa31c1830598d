// Package executor holds one execution.Executor per block operation. Each one
// validates the block, calls the runtime and writes the outcome back into the
// document.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

// origin tags document writes made by executors.
const origin = "executor"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Indexer receives dataframes produced by successful runs.
type Indexer interface {
	IndexDataframe(ctx context.Context, documentID string, df notebook.Dataframe) error
}

type Options struct {
	WorkspaceID string
	Indexer     Indexer
	Logger      *slog.Logger
}

// Registry resolves item metadata to the executor that runs it.
type Registry struct {
	gateway     runtime.Gateway
	workspaceID string
	indexer     Indexer
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(gateway runtime.Gateway, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		gateway:     gateway,
		workspaceID: opts.WorkspaceID,
		indexer:     opts.Indexer,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

func (r *Registry) Resolve(md execution.Metadata) (execution.Executor, error) {
	p := &picker{r: r}
	if err := md.Accept(p); err != nil {
		return nil, err
	}
	if p.exec == nil {
		return nil, fmt.Errorf("no executor for %s", md.Tag())
	}
	return p.exec, nil
}

type picker struct {
	r    *Registry
	exec execution.Executor
}

func (p *picker) VisitSQL(md execution.SQL) error {
	p.exec = &sqlExecutor{r: p.r, md: md}
	return nil
}

func (p *picker) VisitSQLRenameDataframe(execution.SQLRenameDataframe) error {
	p.exec = &sqlRenameExecutor{r: p.r}
	return nil
}

func (p *picker) VisitPython(md execution.Python) error {
	p.exec = &pythonExecutor{r: p.r, md: md}
	return nil
}

func (p *picker) VisitVisualization(execution.Visualization) error {
	p.exec = &visualizationExecutor{r: p.r}
	return nil
}

func (p *picker) VisitWriteback(execution.Writeback) error {
	p.exec = &writebackExecutor{r: p.r}
	return nil
}

func (p *picker) VisitTextInputSaveValue(execution.TextInputSaveValue) error {
	p.exec = &inputSaveExecutor{r: p.r, kind: inputText}
	return nil
}

func (p *picker) VisitTextInputRenameVariable(execution.TextInputRenameVariable) error {
	p.exec = &inputRenameExecutor{r: p.r, kind: inputText}
	return nil
}

func (p *picker) VisitDropdownInputSaveValue(execution.DropdownInputSaveValue) error {
	p.exec = &inputSaveExecutor{r: p.r, kind: inputDropdown}
	return nil
}

func (p *picker) VisitDropdownInputRenameVariable(execution.DropdownInputRenameVariable) error {
	p.exec = &inputRenameExecutor{r: p.r, kind: inputDropdown}
	return nil
}

func (p *picker) VisitDateInputSaveValue(execution.DateInputSaveValue) error {
	p.exec = &inputSaveExecutor{r: p.r, kind: inputDate}
	return nil
}

func (p *picker) VisitDateInputRenameVariable(execution.DateInputRenameVariable) error {
	p.exec = &inputRenameExecutor{r: p.r, kind: inputDate}
	return nil
}

func (p *picker) VisitPivotTable(md execution.PivotTable) error {
	p.exec = &pivotExecutor{r: p.r, md: md}
	return nil
}

func (p *picker) VisitFileUpload(execution.FileUpload) error {
	p.exec = &fileUploadExecutor{r: p.r}
	return nil
}

func (p *picker) VisitNoop(execution.Noop) error {
	p.exec = execution.ExecutorFunc(func(context.Context, execution.Job) error { return nil })
	return nil
}

func blockAs[B notebook.Block](job execution.Job) (B, error) {
	typed, ok := job.Block.(B)
	if !ok {
		var zero B
		return zero, mismatch(job)
	}
	return typed, nil
}

// update mutates the block and registers dataframes in one transaction.
func update[B notebook.Block](job execution.Job, fn func(B), dataframes ...notebook.Dataframe) error {
	_, err := job.Document.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		err := tx.UpdateBlock(job.Item.BlockID, func(b notebook.Block) error {
			typed, ok := b.(B)
			if !ok {
				return &execution.ValidationError{Code: "block-type-changed", Message: fmt.Sprintf("block is now %s", b.Type())}
			}
			fn(typed)
			return nil
		})
		if err != nil {
			return err
		}
		for _, df := range dataframes {
			if err := tx.PutDataframe(df); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (r *Registry) sessionID(job execution.Job) string { return job.Document.ID() }

func (r *Registry) dataframe(job execution.Job, name string, table runtime.TableResult) notebook.Dataframe {
	return notebook.Dataframe{
		Name:      name,
		BlockID:   job.Item.BlockID,
		Columns:   table.Columns,
		Rows:      table.Rows,
		UpdatedAt: r.now().UnixMilli(),
	}
}

// index forwards a fresh dataframe to the catalog. Failures only get logged.
func (r *Registry) index(ctx context.Context, job execution.Job, df notebook.Dataframe) {
	if r.indexer == nil {
		return
	}
	if err := r.indexer.IndexDataframe(ctx, job.Document.ID(), df); err != nil {
		job.Logger.Warn("failed to index dataframe", "dataframe", df.Name, "error", err)
	}
}

func isAbort(ctx context.Context, err error) bool {
	return execution.IsAborted(err) ||
		errors.Is(err, runtime.ErrRunAborted) ||
		errors.Is(context.Cause(ctx), execution.ErrAborted)
}

// failure maps a runner error to the result stored on the block and the error
// handed back to the worker.
func failure(ctx context.Context, err error, outputs []notebook.Output) (notebook.Result, error) {
	if isAbort(ctx, err) {
		return notebook.Result{Kind: notebook.ResultAbortError, Outputs: outputs}, execution.ErrAborted
	}
	kind := notebook.ResultError
	if runtime.IsSyntaxError(err) {
		kind = notebook.ResultSyntaxError
	}
	var execErr *runtime.ExecutionError
	if errors.As(err, &execErr) && runtime.ErrorFromOutputs(outputs) == nil {
		outputs = append(outputs, notebook.Output{
			Type:      notebook.OutputError,
			EName:     execErr.Name,
			EValue:    execErr.Value,
			Traceback: execErr.Traceback,
		})
	}
	return notebook.Result{Kind: kind, Outputs: outputs, Message: err.Error()}, err
}

// outputSink collects streamed outputs and republishes them as a running result.
type outputSink struct {
	mu      sync.Mutex
	outputs []notebook.Output
	publish func([]notebook.Output)
}

func (s *outputSink) add(outs []notebook.Output) {
	s.mu.Lock()
	s.outputs = append(s.outputs, outs...)
	snapshot := append([]notebook.Output(nil), s.outputs...)
	s.mu.Unlock()
	if s.publish != nil {
		s.publish(snapshot)
	}
}

func (s *outputSink) all() []notebook.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notebook.Output(nil), s.outputs...)
}

// Package runtime is the client side of the sandboxed code-execution runtime.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notebook/api/internal/notebook"
)

// ErrRunAborted is reported by a handle whose run was stopped by an abort.
var ErrRunAborted = errors.New("run aborted")

// abortTimeout bounds how long Await waits for the runtime to confirm an abort.
const abortTimeout = 30 * time.Second

// OutputFunc receives output chunks as the runtime streams them.
type OutputFunc func([]notebook.Output)

type ExecuteOptions struct {
	// StoreAs assigns the value of the last expression to this variable.
	StoreAs string `json:"storeAs,omitempty"`
}

// Runtime runs arbitrary code in a session.
type Runtime interface {
	Execute(ctx context.Context, workspaceID, sessionID, code string, onOutputs OutputFunc, opts ExecuteOptions) (Handle, error)
}

// Handle is one in-flight run.
type Handle interface {
	// Wait returns when the run finishes or ctx is done.
	Wait(ctx context.Context) error
	// Abort asks the runtime to stop and returns once it has. Calling it more
	// than once, or after the run finished, is harmless.
	Abort(ctx context.Context) error
}

// ExecutionError is an error output reported by the runtime.
type ExecutionError struct {
	Name      string
	Value     string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if e.Value == "" {
		return e.Name
	}
	return e.Name + ": " + e.Value
}

// ErrorFromOutputs returns the first error output as an ExecutionError.
func ErrorFromOutputs(outputs []notebook.Output) *ExecutionError {
	for _, out := range outputs {
		if out.Type == notebook.OutputError {
			return &ExecutionError{Name: out.EName, Value: out.EValue, Traceback: out.Traceback}
		}
	}
	return nil
}

// IsSyntaxError reports whether the runtime rejected the code before running it.
func IsSyntaxError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && strings.HasSuffix(execErr.Name, "SyntaxError")
}

// Await waits for h. If ctx ends first it aborts the run, waits for the
// runtime to confirm, and returns the cancellation cause.
func Await(ctx context.Context, h Handle) error {
	err := h.Wait(ctx)
	if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		return err
	}
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if abortErr := h.Abort(abortCtx); abortErr != nil {
		return errors.Join(context.Cause(ctx), fmt.Errorf("abort run: %w", abortErr))
	}
	return context.Cause(ctx)
}

type TableResult struct {
	Columns []notebook.Column `json:"columns"`
	Rows    int               `json:"rows"`
	Page    int               `json:"page"`
}

type QueryRequest struct {
	WorkspaceID      string `json:"workspaceId"`
	SessionID        string `json:"sessionId"`
	DataSourceID     string `json:"dataSourceId,omitempty"`
	IsFileDataSource bool   `json:"isFileDataSource"`
	Query            string `json:"query"`
	DataframeName    string `json:"dataframeName"`
	Page             int    `json:"page"`
}

type VisualizationRequest struct {
	WorkspaceID   string   `json:"workspaceId"`
	SessionID     string   `json:"sessionId"`
	DataframeName string   `json:"dataframeName"`
	ChartType     string   `json:"chartType"`
	XAxis         string   `json:"xAxis"`
	YAxis         []string `json:"yAxis"`
}

type TableRef struct {
	WorkspaceID  string `json:"workspaceId"`
	SessionID    string `json:"sessionId"`
	DataSourceID string `json:"dataSourceId"`
	TableName    string `json:"tableName"`
}

type TableSchema struct {
	Exists  bool              `json:"exists"`
	Columns []notebook.Column `json:"columns"`
}

type PivotRequest struct {
	WorkspaceID   string                  `json:"workspaceId"`
	SessionID     string                  `json:"sessionId"`
	DataframeName string                  `json:"dataframeName"`
	Rows          []string                `json:"rows"`
	Columns       []string                `json:"columns"`
	Measures      []notebook.PivotMeasure `json:"measures"`
	Variable      string                  `json:"variable"`
	Page          int                     `json:"page"`
}

// VariableRequest sets a session variable. Kind is "text", "dropdown" or "date".
type VariableRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Value       string `json:"value"`
}

type RenameRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	From        string `json:"from"`
	To          string `json:"to"`
}

type FileRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	FileRef     string `json:"fileRef"`
	FileName    string `json:"fileName"`
	Variable    string `json:"variable"`
}

// The runners below are thin wrappers over a run. Each one blocks until the
// run finishes; cancelling ctx aborts the run and waits for the runtime to stop.

type QueryRunner interface {
	RunQuery(ctx context.Context, req QueryRequest, onOutputs OutputFunc) (TableResult, error)
}

type VisualizationRunner interface {
	CreateVisualization(ctx context.Context, req VisualizationRequest) (json.RawMessage, error)
}

type WritebackRunner interface {
	InspectTable(ctx context.Context, ref TableRef) (TableSchema, error)
	DropTable(ctx context.Context, ref TableRef) error
	InsertDataframe(ctx context.Context, ref TableRef, dataframe string) (int, error)
}

type PivotRunner interface {
	Pivot(ctx context.Context, req PivotRequest) (TableResult, error)
}

type VariableSetter interface {
	SetVariable(ctx context.Context, req VariableRequest) error
	RenameVariable(ctx context.Context, req RenameRequest) error
}

type FileRegistrar interface {
	RegisterFile(ctx context.Context, req FileRequest) (TableResult, error)
}

// Gateway is everything the block executors need from the runtime.
type Gateway interface {
	Runtime
	QueryRunner
	VisualizationRunner
	WritebackRunner
	PivotRunner
	VariableSetter
	FileRegistrar
}

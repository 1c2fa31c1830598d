package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

var errUnexpectedCall = errors.New("unexpected runtime call")

// fakeGateway records calls and delegates to whichever function is set.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	execute             func(ctx context.Context, code string, onOutputs runtime.OutputFunc) (runtime.Handle, error)
	runQuery            func(ctx context.Context, req runtime.QueryRequest, onOutputs runtime.OutputFunc) (runtime.TableResult, error)
	createVisualization func(ctx context.Context, req runtime.VisualizationRequest) (json.RawMessage, error)
	inspectTable        func(ctx context.Context, ref runtime.TableRef) (runtime.TableSchema, error)
	dropTable           func(ctx context.Context, ref runtime.TableRef) error
	insertDataframe     func(ctx context.Context, ref runtime.TableRef, dataframe string) (int, error)
	pivot               func(ctx context.Context, req runtime.PivotRequest) (runtime.TableResult, error)
	setVariable         func(ctx context.Context, req runtime.VariableRequest) error
	renameVariable      func(ctx context.Context, req runtime.RenameRequest) error
	registerFile        func(ctx context.Context, req runtime.FileRequest) (runtime.TableResult, error)
}

func (g *fakeGateway) record(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) Execute(ctx context.Context, _, _, code string, onOutputs runtime.OutputFunc, _ runtime.ExecuteOptions) (runtime.Handle, error) {
	g.record("execute")
	if g.execute == nil {
		return nil, errUnexpectedCall
	}
	return g.execute(ctx, code, onOutputs)
}

func (g *fakeGateway) RunQuery(ctx context.Context, req runtime.QueryRequest, onOutputs runtime.OutputFunc) (runtime.TableResult, error) {
	g.record("query")
	if g.runQuery == nil {
		return runtime.TableResult{}, errUnexpectedCall
	}
	return g.runQuery(ctx, req, onOutputs)
}

func (g *fakeGateway) CreateVisualization(ctx context.Context, req runtime.VisualizationRequest) (json.RawMessage, error) {
	g.record("visualization")
	if g.createVisualization == nil {
		return nil, errUnexpectedCall
	}
	return g.createVisualization(ctx, req)
}

func (g *fakeGateway) InspectTable(ctx context.Context, ref runtime.TableRef) (runtime.TableSchema, error) {
	g.record("inspect-table")
	if g.inspectTable == nil {
		return runtime.TableSchema{}, errUnexpectedCall
	}
	return g.inspectTable(ctx, ref)
}

func (g *fakeGateway) DropTable(ctx context.Context, ref runtime.TableRef) error {
	g.record("drop-table")
	if g.dropTable == nil {
		return errUnexpectedCall
	}
	return g.dropTable(ctx, ref)
}

func (g *fakeGateway) InsertDataframe(ctx context.Context, ref runtime.TableRef, dataframe string) (int, error) {
	g.record("insert-dataframe")
	if g.insertDataframe == nil {
		return 0, errUnexpectedCall
	}
	return g.insertDataframe(ctx, ref, dataframe)
}

func (g *fakeGateway) Pivot(ctx context.Context, req runtime.PivotRequest) (runtime.TableResult, error) {
	g.record("pivot")
	if g.pivot == nil {
		return runtime.TableResult{}, errUnexpectedCall
	}
	return g.pivot(ctx, req)
}

func (g *fakeGateway) SetVariable(ctx context.Context, req runtime.VariableRequest) error {
	g.record("set-variable")
	if g.setVariable == nil {
		return errUnexpectedCall
	}
	return g.setVariable(ctx, req)
}

func (g *fakeGateway) RenameVariable(ctx context.Context, req runtime.RenameRequest) error {
	g.record("rename-variable")
	if g.renameVariable == nil {
		return errUnexpectedCall
	}
	return g.renameVariable(ctx, req)
}

func (g *fakeGateway) RegisterFile(ctx context.Context, req runtime.FileRequest) (runtime.TableResult, error) {
	g.record("register-file")
	if g.registerFile == nil {
		return runtime.TableResult{}, errUnexpectedCall
	}
	return g.registerFile(ctx, req)
}

// fakeHandle finishes when finish or Abort is called, whichever comes first.
type fakeHandle struct {
	done       chan struct{}
	once       sync.Once
	err        error
	abortDelay time.Duration

	mu      sync.Mutex
	aborted bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *fakeHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHandle) Abort(context.Context) error {
	h.once.Do(func() {
		time.Sleep(h.abortDelay)
		h.mu.Lock()
		h.aborted = true
		h.mu.Unlock()
		h.err = runtime.ErrRunAborted
		close(h.done)
	})
	<-h.done
	return nil
}

func (h *fakeHandle) wasAborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

type recordingIndexer struct {
	mu     sync.Mutex
	frames []notebook.Dataframe
}

func (i *recordingIndexer) IndexDataframe(_ context.Context, _ string, df notebook.Dataframe) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, df)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strptr(s string) *string { return &s }

func newRegistry(gw *fakeGateway, indexer Indexer) *Registry {
	return NewRegistry(gw, Options{WorkspaceID: "ws-1", Indexer: indexer, Logger: testLogger()})
}

// runDirect resolves md and runs it against the stored block.
func runDirect(t *testing.T, reg *Registry, doc *notebook.Document, blockID string, md execution.Metadata) error {
	t.Helper()
	block, err := doc.Block(blockID)
	require.NoError(t, err)
	exec, err := reg.Resolve(md)
	require.NoError(t, err)
	return exec.Execute(context.Background(), execution.Job{
		Item:     execution.Item{ID: "item", BlockID: blockID},
		Block:    block,
		Metadata: md,
		Document: doc,
		Logger:   testLogger(),
	})
}

// runQueued pushes md through a real queue and worker and returns the finished item.
func runQueued(t *testing.T, reg *Registry, doc *notebook.Document, blockID string, md execution.Metadata, whileRunning func(*execution.Queue, execution.Item)) execution.Item {
	t.Helper()
	queue := execution.NewQueue(doc)
	t.Cleanup(queue.Close)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = execution.NewWorker(queue, reg, execution.WorkerOptions{Logger: testLogger()}).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	item, err := queue.Enqueue(blockID, "user-1", md)
	require.NoError(t, err)
	if whileRunning != nil {
		require.Eventually(t, func() bool {
			current, err := queue.Item(item.ID)
			return err == nil && current.Status == execution.StatusRunning
		}, 2*time.Second, 5*time.Millisecond)
		whileRunning(queue, item)
	}
	var finished execution.Item
	require.Eventually(t, func() bool {
		current, err := queue.Item(item.ID)
		finished = current
		return err == nil && execution.IsTerminal(current.Status)
	}, 3*time.Second, 5*time.Millisecond)
	return finished
}

func TestSQLWithoutDataSourceSucceedsWithoutRuntime(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.SQLBlock{
		BlockBase:     notebook.BlockBase{ID: "q"},
		Source:        "select 1",
		DataframeName: notebook.EditableValue{Value: "df_1"},
	}))
	gw := &fakeGateway{}

	item := runQueued(t, newRegistry(gw, nil), doc, "q", execution.SQL{IsSuggestion: false, SelectedCode: nil}, nil)

	assert.Equal(t, execution.StatusSuccess, item.Status)
	assert.Empty(t, gw.Calls())
	block, err := doc.Block("q")
	require.NoError(t, err)
	assert.Nil(t, block.(*notebook.SQLBlock).Result)
}

func TestSQLSuccessRegistersDataframe(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.SQLBlock{
		BlockBase:     notebook.BlockBase{ID: "q", Title: "Orders"},
		Source:        "select * from orders",
		DataSourceID:  strptr("warehouse"),
		DataframeName: notebook.EditableValue{Value: "orders"},
	}))
	gw := &fakeGateway{
		runQuery: func(_ context.Context, req runtime.QueryRequest, onOutputs runtime.OutputFunc) (runtime.TableResult, error) {
			onOutputs([]notebook.Output{{Type: notebook.OutputStream, Text: "fetching"}})
			assert.Equal(t, "select id from orders", req.Query)
			assert.Equal(t, "warehouse", req.DataSourceID)
			assert.Equal(t, "doc", req.SessionID)
			return runtime.TableResult{Columns: []notebook.Column{{Name: "id", Type: "int"}}, Rows: 3}, nil
		},
	}
	indexer := &recordingIndexer{}

	err := runDirect(t, newRegistry(gw, indexer), doc, "q", execution.SQL{SelectedCode: strptr("select id from orders")})
	require.NoError(t, err)

	block, err := doc.Block("q")
	require.NoError(t, err)
	result := block.(*notebook.SQLBlock).Result
	require.NotNil(t, result)
	assert.Equal(t, notebook.ResultSuccess, result.Kind)
	assert.Equal(t, 3, result.Rows)
	assert.Len(t, result.Outputs, 1)

	df, ok := doc.Dataframe("orders")
	require.True(t, ok)
	assert.Equal(t, "q", df.BlockID)
	assert.Equal(t, 3, df.Rows)
	require.Len(t, indexer.frames, 1)
	assert.Equal(t, "orders", indexer.frames[0].Name)
}

func TestSQLRejectsInvalidDataframeName(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.SQLBlock{
		BlockBase:     notebook.BlockBase{ID: "q"},
		DataSourceID:  strptr("warehouse"),
		DataframeName: notebook.EditableValue{Value: "1 bad"},
	}))
	gw := &fakeGateway{}
	err := runDirect(t, newRegistry(gw, nil), doc, "q", execution.SQL{})
	assert.True(t, execution.IsValidation(err))
	assert.Empty(t, gw.Calls())
}

func TestPythonErrorOutputFailsItem(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.PythonBlock{BlockBase: notebook.BlockBase{ID: "py"}, Source: "1/0"}))
	gw := &fakeGateway{
		execute: func(_ context.Context, code string, onOutputs runtime.OutputFunc) (runtime.Handle, error) {
			h := newFakeHandle()
			go func() {
				onOutputs([]notebook.Output{{Type: notebook.OutputError, EName: "ZeroDivisionError", EValue: "division by zero"}})
				h.finish(nil)
			}()
			return h, nil
		},
	}

	item := runQueued(t, newRegistry(gw, nil), doc, "py", execution.Python{}, nil)

	assert.Equal(t, execution.StatusError, item.Status)
	assert.Contains(t, item.Error, "ZeroDivisionError")
	block, err := doc.Block("py")
	require.NoError(t, err)
	result := block.(*notebook.PythonBlock).Result
	require.NotNil(t, result)
	assert.Equal(t, notebook.ResultError, result.Kind)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, notebook.OutputError, result.Outputs[0].Type)
}

func TestPythonAbortWaitsForRuntime(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.PythonBlock{BlockBase: notebook.BlockBase{ID: "py"}, Source: "while True: pass"}))
	handle := newFakeHandle()
	handle.abortDelay = 20 * time.Millisecond
	gw := &fakeGateway{
		execute: func(context.Context, string, runtime.OutputFunc) (runtime.Handle, error) { return handle, nil },
	}

	item := runQueued(t, newRegistry(gw, nil), doc, "py", execution.Python{}, func(q *execution.Queue, item execution.Item) {
		require.NoError(t, q.RequestAbort(item.ID, "user-1"))
	})

	assert.Equal(t, execution.StatusAborted, item.Status)
	assert.True(t, handle.wasAborted())
	block, err := doc.Block("py")
	require.NoError(t, err)
	assert.Equal(t, notebook.ResultAbortError, block.(*notebook.PythonBlock).Result.Kind)
}

func TestPythonSuggestionReplacesSource(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.PythonBlock{
		BlockBase:     notebook.BlockBase{ID: "py"},
		Source:        "print('old')",
		AISuggestions: strptr("print('new')"),
	}))
	var ran string
	gw := &fakeGateway{
		execute: func(_ context.Context, code string, _ runtime.OutputFunc) (runtime.Handle, error) {
			ran = code
			h := newFakeHandle()
			h.finish(nil)
			return h, nil
		},
	}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "py", execution.Python{IsSuggestion: true}))

	assert.Equal(t, "print('new')", ran)
	block, err := doc.Block("py")
	require.NoError(t, err)
	py := block.(*notebook.PythonBlock)
	assert.Equal(t, "print('new')", py.Source)
	assert.Nil(t, py.AISuggestions)
}

func TestVisualizationWaitsForValidColumns(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "sales", Columns: []notebook.Column{{Name: "month"}, {Name: "total"}}}))
	require.NoError(t, doc.PutBlock("u", &notebook.VisualizationBlock{
		BlockBase:     notebook.BlockBase{ID: "viz"},
		DataframeName: "sales",
		ChartType:     "bar",
		XAxis:         "month",
		YAxis:         []string{"revenue"},
	}))
	gw := &fakeGateway{
		createVisualization: func(context.Context, runtime.VisualizationRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"mark":"bar"}`), nil
		},
	}
	reg := newRegistry(gw, nil)

	require.NoError(t, runDirect(t, reg, doc, "viz", execution.Visualization{}))
	assert.Empty(t, gw.Calls())

	require.NoError(t, doc.UpdateBlock("u", "viz", func(b notebook.Block) error {
		b.(*notebook.VisualizationBlock).YAxis = []string{"total"}
		return nil
	}))
	require.NoError(t, runDirect(t, reg, doc, "viz", execution.Visualization{}))
	block, err := doc.Block("viz")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mark":"bar"}`, string(block.(*notebook.VisualizationBlock).Spec))
}

func TestAbortedVisualizationClearsError(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "sales", Columns: []notebook.Column{{Name: "month"}, {Name: "total"}}}))
	require.NoError(t, doc.PutBlock("u", &notebook.VisualizationBlock{
		BlockBase:     notebook.BlockBase{ID: "viz"},
		DataframeName: "sales",
		ChartType:     "bar",
		XAxis:         "month",
		YAxis:         []string{"total"},
		Spec:          json.RawMessage(`{"mark":"line"}`),
		Error:         "kernel restarted",
	}))
	gw := &fakeGateway{
		createVisualization: func(context.Context, runtime.VisualizationRequest) (json.RawMessage, error) {
			return nil, runtime.ErrRunAborted
		},
	}

	err := runDirect(t, newRegistry(gw, nil), doc, "viz", execution.Visualization{})
	assert.ErrorIs(t, err, execution.ErrAborted)
	block, err := doc.Block("viz")
	require.NoError(t, err)
	viz := block.(*notebook.VisualizationBlock)
	assert.Empty(t, viz.Error)
	assert.JSONEq(t, `{"mark":"line"}`, string(viz.Spec))
}

func TestWritebackTagsFailuresByStep(t *testing.T) {
	tests := []struct {
		name      string
		block     notebook.WritebackBlock
		gw        *fakeGateway
		wantStep  notebook.WritebackStep
		wantValid bool
		wantCalls []string
	}{
		{
			name:      "missing data source",
			block:     notebook.WritebackBlock{DataframeName: "orders", TableName: "orders"},
			gw:        &fakeGateway{},
			wantStep:  notebook.StepValidation,
			wantValid: true,
		},
		{
			name:      "bad table name",
			block:     notebook.WritebackBlock{DataframeName: "orders", DataSourceID: strptr("pg"), TableName: "drop table;"},
			gw:        &fakeGateway{},
			wantStep:  notebook.StepValidation,
			wantValid: true,
		},
		{
			name:  "schema mismatch",
			block: notebook.WritebackBlock{DataframeName: "orders", DataSourceID: strptr("pg"), TableName: "orders"},
			gw: &fakeGateway{
				inspectTable: func(context.Context, runtime.TableRef) (runtime.TableSchema, error) {
					return runtime.TableSchema{Exists: true, Columns: []notebook.Column{{Name: "id"}}}, nil
				},
			},
			wantStep:  notebook.StepSchemaInspection,
			wantValid: true,
			wantCalls: []string{"inspect-table"},
		},
		{
			name:  "cleanup failure",
			block: notebook.WritebackBlock{DataframeName: "orders", DataSourceID: strptr("pg"), TableName: "orders", OverwriteTable: true},
			gw: &fakeGateway{
				inspectTable: func(context.Context, runtime.TableRef) (runtime.TableSchema, error) {
					return runtime.TableSchema{Exists: true}, nil
				},
				dropTable: func(context.Context, runtime.TableRef) error { return errors.New("permission denied") },
			},
			wantStep:  notebook.StepCleanup,
			wantCalls: []string{"inspect-table", "drop-table"},
		},
		{
			name:  "insert failure",
			block: notebook.WritebackBlock{DataframeName: "orders", DataSourceID: strptr("pg"), TableName: "public.orders"},
			gw: &fakeGateway{
				inspectTable: func(context.Context, runtime.TableRef) (runtime.TableSchema, error) {
					return runtime.TableSchema{}, nil
				},
				insertDataframe: func(context.Context, runtime.TableRef, string) (int, error) {
					return 0, errors.New("connection reset")
				},
			},
			wantStep:  notebook.StepInsert,
			wantCalls: []string{"inspect-table", "insert-dataframe"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := notebook.New("doc", "r1")
			require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "orders", Columns: []notebook.Column{{Name: "id"}, {Name: "amount"}}}))
			block := tc.block
			block.ID = "wb"
			require.NoError(t, doc.PutBlock("u", &block))

			err := runDirect(t, newRegistry(tc.gw, nil), doc, "wb", execution.Writeback{})
			require.Error(t, err)
			assert.Equal(t, tc.wantValid, execution.IsValidation(err))
			assert.Equal(t, tc.wantCalls, tc.gw.Calls())

			stored, err := doc.Block("wb")
			require.NoError(t, err)
			result := stored.(*notebook.WritebackBlock).Result
			require.NotNil(t, result)
			assert.False(t, result.Success)
			assert.Equal(t, tc.wantStep, result.Step)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestWritebackOverwritesTable(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "orders"}))
	require.NoError(t, doc.PutBlock("u", &notebook.WritebackBlock{
		BlockBase:      notebook.BlockBase{ID: "wb"},
		DataframeName:  "orders",
		DataSourceID:   strptr("pg"),
		TableName:      "orders",
		OverwriteTable: true,
	}))
	gw := &fakeGateway{
		inspectTable: func(context.Context, runtime.TableRef) (runtime.TableSchema, error) {
			return runtime.TableSchema{Exists: true}, nil
		},
		dropTable: func(context.Context, runtime.TableRef) error { return nil },
		insertDataframe: func(_ context.Context, ref runtime.TableRef, dataframe string) (int, error) {
			assert.Equal(t, "orders", dataframe)
			return 12, nil
		},
	}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "wb", execution.Writeback{}))
	assert.Equal(t, []string{"inspect-table", "drop-table", "insert-dataframe"}, gw.Calls())

	stored, err := doc.Block("wb")
	require.NoError(t, err)
	result := stored.(*notebook.WritebackBlock).Result
	assert.True(t, result.Success)
	assert.Equal(t, 12, result.RowsInserted)
}

func TestDropdownRejectsUnknownOption(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.DropdownInputBlock{
		BlockBase: notebook.BlockBase{ID: "dd"},
		Variable:  notebook.EditableValue{Value: "region"},
		Value:     notebook.EditableValue{Value: "eu", NewValue: strptr("mars")},
		Options:   []string{"eu", "us"},
	}))
	gw := &fakeGateway{}
	err := runDirect(t, newRegistry(gw, nil), doc, "dd", execution.DropdownInputSaveValue{})
	assert.True(t, execution.IsValidation(err))
	assert.Empty(t, gw.Calls())

	block, err := doc.Block("dd")
	require.NoError(t, err)
	dd := block.(*notebook.DropdownInputBlock)
	assert.Equal(t, "invalid-option", dd.Value.Error)
	assert.Equal(t, "eu", dd.Value.Value)
}

func TestDateInputSavesValue(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.DateInputBlock{
		BlockBase: notebook.BlockBase{ID: "d"},
		Variable:  notebook.EditableValue{Value: "start"},
		Value:     notebook.EditableValue{NewValue: strptr("2024-02-29")},
	}))
	var got runtime.VariableRequest
	gw := &fakeGateway{setVariable: func(_ context.Context, req runtime.VariableRequest) error {
		got = req
		return nil
	}}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "d", execution.DateInputSaveValue{}))
	assert.Equal(t, "start", got.Name)
	assert.Equal(t, "date", got.Kind)

	block, err := doc.Block("d")
	require.NoError(t, err)
	value := block.(*notebook.DateInputBlock).Value
	assert.Equal(t, "2024-02-29", value.Value)
	assert.Nil(t, value.NewValue)
}

func TestTextInputRenameVariable(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.TextInputBlock{
		BlockBase: notebook.BlockBase{ID: "ti"},
		Variable:  notebook.EditableValue{Value: "name", NewValue: strptr("customer_name")},
		Value:     notebook.EditableValue{Value: "Ada"},
	}))
	gw := &fakeGateway{renameVariable: func(_ context.Context, req runtime.RenameRequest) error {
		assert.Equal(t, "name", req.From)
		assert.Equal(t, "customer_name", req.To)
		return nil
	}}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "ti", execution.TextInputRenameVariable{}))

	block, err := doc.Block("ti")
	require.NoError(t, err)
	assert.Equal(t, notebook.EditableValue{Value: "customer_name"}, block.(*notebook.TextInputBlock).Variable)

	// the same block cannot be run as a dropdown
	err = runDirect(t, newRegistry(gw, nil), doc, "ti", execution.DropdownInputSaveValue{})
	assert.True(t, execution.IsValidation(err))
}

func TestSQLRenameDataframeMovesMetadata(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "df_1", BlockID: "q", Rows: 5}))
	require.NoError(t, doc.PutBlock("u", &notebook.SQLBlock{
		BlockBase:     notebook.BlockBase{ID: "q"},
		DataframeName: notebook.EditableValue{Value: "df_1", NewValue: strptr("customers")},
	}))
	gw := &fakeGateway{renameVariable: func(context.Context, runtime.RenameRequest) error { return nil }}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "q", execution.SQLRenameDataframe{}))

	_, stillOld := doc.Dataframe("df_1")
	assert.False(t, stillOld)
	df, ok := doc.Dataframe("customers")
	require.True(t, ok)
	assert.Equal(t, 5, df.Rows)
	block, err := doc.Block("q")
	require.NoError(t, err)
	assert.Equal(t, "customers", block.(*notebook.SQLBlock).DataframeName.Value)
}

func TestPivotNoopsUntilConfigured(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutDataframe("u", notebook.Dataframe{Name: "sales", Columns: []notebook.Column{{Name: "region"}, {Name: "amount"}}}))
	require.NoError(t, doc.PutBlock("u", &notebook.PivotTableBlock{
		BlockBase:     notebook.BlockBase{ID: "pv"},
		DataframeName: "sales",
		Rows:          []string{"region"},
		Variable:      notebook.EditableValue{Value: "pivot_1"},
	}))
	gw := &fakeGateway{pivot: func(_ context.Context, req runtime.PivotRequest) (runtime.TableResult, error) {
		assert.Equal(t, 2, req.Page)
		return runtime.TableResult{Columns: []notebook.Column{{Name: "region"}, {Name: "sum_amount"}}, Rows: 4}, nil
	}}
	reg := newRegistry(gw, nil)

	require.NoError(t, runDirect(t, reg, doc, "pv", execution.PivotTable{Page: 2}))
	assert.Empty(t, gw.Calls())

	require.NoError(t, doc.UpdateBlock("u", "pv", func(b notebook.Block) error {
		b.(*notebook.PivotTableBlock).Measures = []notebook.PivotMeasure{{Column: "amount", Aggregation: "sum"}}
		return nil
	}))
	require.NoError(t, runDirect(t, reg, doc, "pv", execution.PivotTable{Page: 2}))

	block, err := doc.Block("pv")
	require.NoError(t, err)
	pivot := block.(*notebook.PivotTableBlock)
	require.NotNil(t, pivot.Result)
	assert.Equal(t, 2, pivot.Page)
	_, ok := doc.Dataframe("pivot_1")
	assert.True(t, ok)
}

func TestFileUploadRegistersDataframe(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.FileUploadBlock{
		BlockBase: notebook.BlockBase{ID: "up"},
		FileName:  "leads.csv",
		FileRef:   "uploads/leads.csv",
		Variable:  notebook.EditableValue{Value: "leads"},
	}))
	gw := &fakeGateway{registerFile: func(context.Context, runtime.FileRequest) (runtime.TableResult, error) {
		return runtime.TableResult{Columns: []notebook.Column{{Name: "email"}}, Rows: 10}, nil
	}}
	require.NoError(t, runDirect(t, newRegistry(gw, nil), doc, "up", execution.FileUpload{}))

	df, ok := doc.Dataframe("leads")
	require.True(t, ok)
	assert.Equal(t, 10, df.Rows)
}

func TestNoopAndRuntimeFailureMapping(t *testing.T) {
	doc := notebook.New("doc", "r1")
	require.NoError(t, doc.PutBlock("u", &notebook.RichTextBlock{BlockBase: notebook.BlockBase{ID: "txt"}}))
	require.NoError(t, runDirect(t, newRegistry(&fakeGateway{}, nil), doc, "txt", execution.Noop{}))

	result, err := failure(context.Background(), &runtime.ExecutionError{Name: "SyntaxError", Value: "bad"}, nil)
	assert.Error(t, err)
	assert.Equal(t, notebook.ResultSyntaxError, result.Kind)
	require.Len(t, result.Outputs, 1)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(execution.ErrAborted)
	result, err = failure(ctx, context.Canceled, nil)
	assert.ErrorIs(t, err, execution.ErrAborted)
	assert.Equal(t, notebook.ResultAbortError, result.Kind)
}

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"notebook/api/internal/notebook"
)

// HTTPClient talks to a runtime gateway. POST /v1/runs starts a run and
// answers with a stream of newline-delimited JSON events; POST
// /v1/runs/{id}/abort stops it, after which the stream ends with "aborted".
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	// no client timeout: runs stream for as long as they take and callers
	// bound them with ctx
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{},
		logger:  logger,
	}
}

type event struct {
	Event   string            `json:"event"`
	RunID   string            `json:"runId,omitempty"`
	Outputs []notebook.Output `json:"outputs,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Message string            `json:"message,omitempty"`
}

type runRequest struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

type executePayload struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	Code        string `json:"code"`
	ExecuteOptions
}

func (c *HTTPClient) Execute(ctx context.Context, workspaceID, sessionID, code string, onOutputs OutputFunc, opts ExecuteOptions) (Handle, error) {
	return c.start(ctx, "execute", executePayload{
		WorkspaceID:    workspaceID,
		SessionID:      sessionID,
		Code:           code,
		ExecuteOptions: opts,
	}, onOutputs)
}

func (c *HTTPClient) RunQuery(ctx context.Context, req QueryRequest, onOutputs OutputFunc) (TableResult, error) {
	var result TableResult
	err := c.run(ctx, "query", req, onOutputs, &result)
	return result, err
}

func (c *HTTPClient) CreateVisualization(ctx context.Context, req VisualizationRequest) (json.RawMessage, error) {
	var spec json.RawMessage
	err := c.run(ctx, "visualization", req, nil, &spec)
	return spec, err
}

func (c *HTTPClient) InspectTable(ctx context.Context, ref TableRef) (TableSchema, error) {
	var schema TableSchema
	err := c.run(ctx, "inspect-table", ref, nil, &schema)
	return schema, err
}

func (c *HTTPClient) DropTable(ctx context.Context, ref TableRef) error {
	return c.run(ctx, "drop-table", ref, nil, nil)
}

func (c *HTTPClient) InsertDataframe(ctx context.Context, ref TableRef, dataframe string) (int, error) {
	var out struct {
		RowsInserted int `json:"rowsInserted"`
	}
	payload := struct {
		TableRef
		Dataframe string `json:"dataframe"`
	}{ref, dataframe}
	err := c.run(ctx, "insert-dataframe", payload, nil, &out)
	return out.RowsInserted, err
}

func (c *HTTPClient) Pivot(ctx context.Context, req PivotRequest) (TableResult, error) {
	var result TableResult
	err := c.run(ctx, "pivot", req, nil, &result)
	return result, err
}

func (c *HTTPClient) SetVariable(ctx context.Context, req VariableRequest) error {
	return c.run(ctx, "set-variable", req, nil, nil)
}

func (c *HTTPClient) RenameVariable(ctx context.Context, req RenameRequest) error {
	return c.run(ctx, "rename-variable", req, nil, nil)
}

func (c *HTTPClient) RegisterFile(ctx context.Context, req FileRequest) (TableResult, error) {
	var result TableResult
	err := c.run(ctx, "register-file", req, nil, &result)
	return result, err
}

// run starts a run, waits for it and decodes its result into dest.
func (c *HTTPClient) run(ctx context.Context, kind string, payload any, onOutputs OutputFunc, dest any) error {
	h, err := c.start(ctx, kind, payload, onOutputs)
	if err != nil {
		return err
	}
	if err := Await(ctx, h); err != nil {
		return err
	}
	if execErr := ErrorFromOutputs(h.Outputs()); execErr != nil {
		return execErr
	}
	if dest == nil || len(h.result) == 0 {
		return nil
	}
	if err := json.Unmarshal(h.result, dest); err != nil {
		return fmt.Errorf("decode %s result: %w", kind, err)
	}
	return nil
}

func (c *HTTPClient) start(ctx context.Context, kind string, payload any, onOutputs OutputFunc) (*httpHandle, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("runtime base url is not configured")
	}
	body, err := json.Marshal(runRequest{Kind: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s run: %w", kind, err)
	}

	// the stream must outlive ctx so an abort can be confirmed on it
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build runtime request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("runtime upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	h := &httpHandle{
		client:    c,
		kind:      kind,
		onOutputs: onOutputs,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go h.read(resp.Body)
	return h, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Runtime-Token", c.token)
	}
}

func (c *HTTPClient) abortRun(ctx context.Context, runID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs/"+runID+"/abort", nil)
	if err != nil {
		return fmt.Errorf("build abort request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime abort failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("runtime abort returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

type httpHandle struct {
	client    *HTTPClient
	kind      string
	onOutputs OutputFunc
	cancel    context.CancelFunc

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}

	// written by read before done is closed
	runID   string
	outputs []notebook.Output
	result  json.RawMessage
	err     error

	abortOnce sync.Once
	abortErr  error
}

func (h *httpHandle) markStarted() { h.startedOnce.Do(func() { close(h.started) }) }

func (h *httpHandle) read(body io.ReadCloser) {
	defer close(h.done)
	defer h.markStarted()
	defer h.cancel()
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var ev event
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) {
				h.err = fmt.Errorf("read runtime stream: %w", err)
			}
			return
		}
		switch ev.Event {
		case "started":
			h.runID = ev.RunID
			h.markStarted()
		case "outputs":
			h.outputs = append(h.outputs, ev.Outputs...)
			if h.onOutputs != nil && len(ev.Outputs) > 0 {
				h.onOutputs(ev.Outputs)
			}
		case "result":
			h.result = ev.Result
		case "error":
			h.err = fmt.Errorf("runtime %s failed: %s", h.kind, ev.Message)
		case "aborted":
			h.err = ErrRunAborted
		default:
			h.client.logger.Debug("ignoring runtime event", "event", ev.Event, "kind", h.kind)
		}
	}
}

func (h *httpHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outputs is only complete once the run is done.
func (h *httpHandle) Outputs() []notebook.Output {
	select {
	case <-h.done:
		return h.outputs
	default:
		return nil
	}
}

func (h *httpHandle) Abort(ctx context.Context) error {
	h.abortOnce.Do(func() { h.abortErr = h.sendAbort(ctx) })
	if h.abortErr != nil {
		return h.abortErr
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runtime to stop: %w", ctx.Err())
	}
}

func (h *httpHandle) sendAbort(ctx context.Context) error {
	select {
	case <-h.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.runID == "" {
		// nothing to address the abort to; drop the stream instead
		h.cancel()
		return nil
	}
	started := time.Now()
	err := h.client.abortRun(ctx, h.runID)
	h.client.logger.Info("runtime run abort requested", "runId", h.runID, "kind", h.kind, "elapsed", time.Since(started))
	return err
}

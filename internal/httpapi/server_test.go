package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notebook/api/internal/collab"
	"notebook/api/internal/crdt"
	"notebook/api/internal/lock"
	"notebook/api/internal/notebook"
	"notebook/api/internal/payload"
	"notebook/api/internal/replication"
	"notebook/api/internal/search"
	"notebook/api/internal/snapshot"
	"notebook/api/internal/store"
)

type fakePinger struct {
	err error
}

func (f fakePinger) PingContext(context.Context) error { return f.err }

type fakeSearcher struct {
	last search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Record{{ID: "r1", Name: "orders"}}, Total: 1, Query: q.Text}
}

type testEnv struct {
	server  *Server
	hub     *collab.Hub
	catalog *fakeSearcher
}

func newTestEnv(t *testing.T, db Pinger) *testEnv {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "notebook.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := store.ApplyMigrations(ctx, sqlDB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	bus, err := replication.NewBus(replication.NewMemoryTransport(), payload.NewMemory(), replication.Options{})
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	hub := collab.New(collab.Deps{
		Bus:       bus,
		Snapshots: store.NewSnapshotStore(sqlDB),
		Locker:    lock.NewManager(lock.NewMemoryStore(), nil),
	}, collab.Options{OwnerLoops: false})
	t.Cleanup(func() { _ = hub.Shutdown(context.Background()) })

	if db == nil {
		db = sqlDB
	}
	catalog := &fakeSearcher{}
	server := New(hub, Options{
		DB:        db,
		Snapshots: snapshot.New(t.TempDir()),
		Catalog:   catalog,
	})
	return &testEnv{server: server, hub: hub, catalog: catalog}
}

func (e *testEnv) room(t *testing.T, documentID string) *collab.Room {
	t.Helper()
	room, err := e.hub.Open(context.Background(), documentID)
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	return room
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func putPython(t *testing.T, doc *notebook.Document, id string) {
	t.Helper()
	err := doc.PutBlock("user", &notebook.PythonBlock{BlockBase: notebook.BlockBase{ID: id}, Source: "1 + 1"})
	if err != nil {
		t.Fatalf("PutBlock(%s) error = %v", id, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := env.do(t, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if response["ok"] != true {
		t.Fatalf("expected ok=true, got %v", response["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := env.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK || response["status"] != "ready" {
		t.Fatalf("ready = %d %v", rr.Code, response)
	}

	down := newTestEnv(t, fakePinger{err: errors.New("connection refused")})
	rr, response = down.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Fatalf("database check = %v", database)
	}
}

func TestRunBlockEnqueuesItem(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.room(t, "doc-1")
	putPython(t, room.Document(), "b1")

	rr, response := env.do(t, http.MethodPost, "/api/documents/doc-1/blocks/b1/run", `{"metadata":{"_tag":"python"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %v", rr.Code, response)
	}
	if response["status"] != "enqueued" || response["operation"] != "python" || response["userId"] != "user-1" {
		t.Fatalf("unexpected item %v", response)
	}
	items := room.Queue().Items()
	if len(items) != 1 || items[0].BlockID != "b1" {
		t.Fatalf("queue = %+v", items)
	}

	itemID := response["id"].(string)
	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/queue/"+itemID+"/abort", "")
	if rr.Code != http.StatusAccepted || response["abortRequested"] != true {
		t.Fatalf("abort = %d %v", rr.Code, response)
	}
}

func TestRunBlockWithoutMetadataUsesDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	rr, response := env.do(t, http.MethodPost, "/api/documents/doc-1/blocks/b1/run", `{}`)
	if rr.Code != http.StatusAccepted || response["operation"] != "python" {
		t.Fatalf("run = %d %v", rr.Code, response)
	}
}

func TestRunBlockErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing block", "/api/documents/doc-1/blocks/nope/run", `{"metadata":{"_tag":"python"}}`, http.StatusNotFound, "BLOCK_NOT_FOUND"},
		{"unknown tag", "/api/documents/doc-1/blocks/b1/run", `{"metadata":{"_tag":"cobol"}}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad json", "/api/documents/doc-1/blocks/b1/run", `{`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown item", "/api/documents/doc-1/queue/exec_missing/abort", "", http.StatusNotFound, "ITEM_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, response := env.do(t, http.MethodPost, tc.path, tc.body)
			if rr.Code != tc.status || response["code"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", rr.Code, response, tc.status, tc.code)
			}
		})
	}
}

func TestRunAllConflictsWhileRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	rr, response := env.do(t, http.MethodPost, "/api/documents/doc-1/run-all", "")
	if rr.Code != http.StatusAccepted || response["status"] != "running" {
		t.Fatalf("run-all = %d %v", rr.Code, response)
	}
	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/run-all", "")
	if rr.Code != http.StatusConflict || response["code"] != "RUN_ALL_IN_PROGRESS" {
		t.Fatalf("second run-all = %d %v", rr.Code, response)
	}
	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/run-all/abort", "")
	if rr.Code != http.StatusAccepted || response["status"] != "aborting" {
		t.Fatalf("run-all abort = %d %v", rr.Code, response)
	}
}

func TestAITaskEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	rr, response := env.do(t, http.MethodPost, "/api/documents/doc-1/ai-tasks",
		`{"blockId":"b1","metadata":{"_tag":"edit-python","prompt":"add a docstring"}}`)
	if rr.Code != http.StatusAccepted || response["operation"] != "edit-python" {
		t.Fatalf("enqueue = %d %v", rr.Code, response)
	}
	taskID := response["id"].(string)

	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/ai-tasks/"+taskID+"/abort", "")
	if rr.Code != http.StatusAccepted || response["abortRequested"] != true {
		t.Fatalf("abort = %d %v", rr.Code, response)
	}

	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/ai-tasks", `{"blockId":"nope","metadata":{"_tag":"fix-python"}}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing block = %d %v", rr.Code, response)
	}
}

func TestPublishAndVersions(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	rr, response := env.do(t, http.MethodGet, "/api/documents/doc-1/versions", "")
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_PUBLISHED" {
		t.Fatalf("versions before publish = %d %v", rr.Code, response)
	}

	rr, response = env.do(t, http.MethodPost, "/api/documents/doc-1/publish", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish = %d %v", rr.Code, response)
	}
	hash := response["hash"].(string)

	rr, response = env.do(t, http.MethodGet, "/api/documents/doc-1/versions", "")
	if rr.Code != http.StatusOK || len(response["versions"].([]any)) != 1 {
		t.Fatalf("versions = %d %v", rr.Code, response)
	}

	rr, response = env.do(t, http.MethodGet, "/api/documents/doc-1/versions/"+hash, "")
	if rr.Code != http.StatusOK || len(response["blocks"].([]any)) != 1 {
		t.Fatalf("version = %d %v", rr.Code, response)
	}

	rr, _ = env.do(t, http.MethodGet, "/api/documents/doc-1/versions/0000000", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown version = %d", rr.Code)
	}
}

func TestDocumentSummary(t *testing.T) {
	env := newTestEnv(t, nil)
	putPython(t, env.room(t, "doc-1").Document(), "b1")

	rr, response := env.do(t, http.MethodGet, "/api/documents/doc-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("document = %d %v", rr.Code, response)
	}
	blocks := response["blocks"].([]any)
	if len(blocks) != 1 || blocks[0].(map[string]any)["type"] != "python" {
		t.Fatalf("blocks = %v", blocks)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := env.do(t, http.MethodGet, "/api/search?q=orders&documentId=doc-1&limit=5", "")
	if rr.Code != http.StatusOK || response["total"] != float64(1) {
		t.Fatalf("search = %d %v", rr.Code, response)
	}
	if env.catalog.last.Text != "orders" || env.catalog.last.DocumentID != "doc-1" || env.catalog.last.Limit != 5 {
		t.Fatalf("query = %+v", env.catalog.last)
	}
}

func TestSocketSyncsBothWays(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.room(t, "doc-1")
	putPython(t, room.Document(), "b1")

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/documents/doc-1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// full state first
	client := notebook.New("doc-1", "browser")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	update, err := crdt.DecodeUpdate(data)
	if err != nil {
		t.Fatalf("decode initial state: %v", err)
	}
	client.ApplyRemoteUpdate(update)
	if _, err := client.Block("b1"); err != nil {
		t.Fatalf("client missing b1 after initial state: %v", err)
	}

	// a client edit reaches the server document
	local, err := client.ApplyLocalUpdate("browser", func(tx *notebook.Tx) error {
		return tx.PutBlock(&notebook.PythonBlock{BlockBase: notebook.BlockBase{ID: "b2"}, Source: "2"})
	})
	if err != nil {
		t.Fatalf("client edit: %v", err)
	}
	edit, err := crdt.EncodeUpdate(local)
	if err != nil {
		t.Fatalf("encode client edit: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, edit); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := room.Document().Block("b2"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never applied client update")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a server edit reaches the client
	putPython(t, room.Document(), "b3")
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read update: %v", err)
		}
		update, err := crdt.DecodeUpdate(data)
		if err != nil {
			t.Fatalf("decode update: %v", err)
		}
		client.ApplyRemoteUpdate(update)
		if _, err := client.Block("b3"); err == nil {
			return
		}
	}
}

// Package httpapi is the HTTP and websocket surface over the collaboration hub.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"notebook/api/internal/aitask"
	"notebook/api/internal/collab"
	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/search"
	"notebook/api/internal/snapshot"
)

const anonymousUser = "anonymous"

// Pinger reports whether the metadata store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Searcher answers catalog queries.
type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Options struct {
	DB         Pinger
	Snapshots  *snapshot.Service
	Catalog    Searcher
	CORSOrigin string
	Logger     *slog.Logger
}

type Server struct {
	hub        *collab.Hub
	db         Pinger
	snapshots  *snapshot.Service
	catalog    Searcher
	corsOrigin string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func New(hub *collab.Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	origin := opts.CORSOrigin
	return &Server{
		hub:        hub,
		db:         opts.DB,
		snapshots:  opts.Snapshots,
		catalog:    opts.Catalog,
		corsOrigin: origin,
		logger:     opts.Logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origin == "*" || r.Header.Get("Origin") == origin
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/search", s.handleSearch)

	r.Route("/api/documents/{documentID}", func(r chi.Router) {
		r.Get("/", s.handleDocument)
		r.Get("/ws", s.handleSocket)
		r.Post("/blocks/{blockID}/run", s.handleRunBlock)
		r.Post("/queue/{itemID}/abort", s.handleAbortItem)
		r.Post("/run-all", s.handleRunAll)
		r.Post("/run-all/abort", s.handleAbortRunAll)
		r.Post("/ai-tasks", s.handleEnqueueTask)
		r.Post("/ai-tasks/{taskID}/abort", s.handleAbortTask)
		r.Post("/publish", s.handlePublish)
		r.Get("/versions", s.handleVersions)
		r.Get("/versions/{hash}", s.handleVersion)
	})
	return r
}

// requestLog sets the shared response headers and logs one line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := chimw.GetReqID(r.Context())
		writer := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"requestId", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.Status(),
			"durationMs", time.Since(started).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"rooms":    s.hub.Rooms(),
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	writeJSON(w, http.StatusOK, s.catalog.Search(r.Context(), search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		DocumentID: query.Get("documentId"),
		Limit:      atoiOr(query.Get("limit"), 20),
		Offset:     atoiOr(query.Get("offset"), 0),
	}))
}

// room opens the document named in the path, writing the error response when
// that fails.
func (s *Server) room(w http.ResponseWriter, r *http.Request) (*collab.Room, bool) {
	room, err := s.hub.Open(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return room, true
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	blocks, err := room.Document().Blocks()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	queue := make([]itemView, 0)
	for _, item := range room.Queue().Items() {
		queue = append(queue, newItemView(item))
	}
	tasks := make([]taskView, 0)
	for _, task := range room.Tasks().Tasks() {
		tasks = append(tasks, newTaskView(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         room.ID(),
		"title":      room.Document().Title(),
		"blocks":     blockViews(blocks),
		"queue":      queue,
		"aiTasks":    tasks,
		"runAll":     room.RunAll().State(),
		"dataframes": room.Document().Dataframes(),
	})
}

type runRequest struct {
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) handleRunBlock(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, badRequest(err.Error()))
		return
	}
	var md execution.Metadata
	if len(body.Metadata) > 0 {
		decoded, err := execution.DecodeMetadata(body.Metadata)
		if err != nil {
			s.fail(w, r, badRequest(err.Error()))
			return
		}
		md = decoded
	}
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	blockID := chi.URLParam(r, "blockID")
	block, err := room.Document().Block(blockID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// a bare run request runs the block the way run-all would
	if md == nil {
		md = execution.DefaultMetadata(block)
	}
	item, err := room.Queue().Enqueue(blockID, userID(r), md)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newItemView(item))
}

func (s *Server) handleAbortItem(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	if err := room.Queue().RequestAbort(itemID, userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := room.Queue().Item(itemID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newItemView(item))
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	state, err := room.RunAll().Request(userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleAbortRunAll(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	if err := room.RunAll().Abort(userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, room.RunAll().State())
}

type taskRequest struct {
	BlockID  string          `json:"blockId"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var body taskRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, badRequest(err.Error()))
		return
	}
	if strings.TrimSpace(body.BlockID) == "" || len(body.Metadata) == 0 {
		s.fail(w, r, badRequest("blockId and metadata are required"))
		return
	}
	md, err := aitask.DecodeMetadata(body.Metadata)
	if err != nil {
		s.fail(w, r, badRequest(err.Error()))
		return
	}
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	task, err := room.Tasks().Enqueue(body.BlockID, userID(r), md)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTaskView(task))
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if err := room.Tasks().RequestAbort(taskID, userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := room.Tasks().Task(taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTaskView(task))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "PUBLISH_UNAVAILABLE", "Publishing is not configured", nil)
		return
	}
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	commit, err := s.snapshots.Publish(room.ID(), room.Document(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commit)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "PUBLISH_UNAVAILABLE", "Publishing is not configured", nil)
		return
	}
	history, err := s.snapshots.History(chi.URLParam(r, "documentID"), atoiOr(r.URL.Query().Get("limit"), 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if history == nil {
		history = []snapshot.Commit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "PUBLISH_UNAVAILABLE", "Publishing is not configured", nil)
		return
	}
	app, content, err := s.snapshots.Load(chi.URLParam(r, "documentID"), chi.URLParam(r, "hash"))
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotPublished) {
			err = domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil)
		}
		s.fail(w, r, err)
		return
	}
	blocks, err := app.Blocks()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId":  content.DocumentID,
		"title":       content.Title,
		"publishedAt": content.PublishedAt,
		"blocks":      blockViews(blocks),
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "requestId", chimw.GetReqID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

type itemView struct {
	ID             string           `json:"id"`
	BlockID        string           `json:"blockId"`
	UserID         string           `json:"userId"`
	Status         execution.Status `json:"status"`
	Operation      string           `json:"operation"`
	AbortRequested bool             `json:"abortRequested"`
	Error          string           `json:"error,omitempty"`
	EnqueuedAt     time.Time        `json:"enqueuedAt"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
}

func newItemView(item execution.Item) itemView {
	view := itemView{
		ID:             item.ID,
		BlockID:        item.BlockID,
		UserID:         item.UserID,
		Status:         item.Status,
		AbortRequested: item.AbortRequested,
		Error:          item.Error,
		EnqueuedAt:     item.EnqueuedAt,
	}
	if item.Metadata != nil {
		view.Operation = item.Metadata.Tag()
	}
	if !item.FinishedAt.IsZero() {
		finished := item.FinishedAt
		view.FinishedAt = &finished
	}
	return view
}

type taskView struct {
	ID             string        `json:"id"`
	BlockID        string        `json:"blockId"`
	UserID         string        `json:"userId"`
	Status         aitask.Status `json:"status"`
	Result         aitask.Result `json:"result,omitempty"`
	Operation      string        `json:"operation"`
	AbortRequested bool          `json:"abortRequested"`
	Error          string        `json:"error,omitempty"`
	EnqueuedAt     time.Time     `json:"enqueuedAt"`
}

func newTaskView(task aitask.Task) taskView {
	view := taskView{
		ID:             task.ID,
		BlockID:        task.BlockID,
		UserID:         task.UserID,
		Status:         task.Status,
		Result:         task.Result,
		AbortRequested: task.AbortRequested,
		Error:          task.Error,
		EnqueuedAt:     task.EnqueuedAt,
	}
	if task.Metadata != nil {
		view.Operation = task.Metadata.Tag()
	}
	return view
}

type blockView struct {
	ID    string             `json:"id"`
	Type  notebook.BlockType `json:"type"`
	Block notebook.Block     `json:"block"`
}

func blockViews(blocks []notebook.Block) []blockView {
	out := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockView{ID: b.Base().ID, Type: b.Type(), Block: b})
	}
	return out
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return anonymousUser
}

func atoiOr(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

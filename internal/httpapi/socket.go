package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"notebook/api/internal/collab"
	"notebook/api/internal/crdt"
)

const (
	socketWriteWait   = 10 * time.Second
	socketPongWait    = 60 * time.Second
	socketPingPeriod  = socketPongWait * 9 / 10
	socketMaxMessage  = 8 << 20
	socketSendBacklog = 64
)

// handleSocket streams document updates to a browser and applies the updates
// it sends. The first message is the full document state.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "documentId", room.ID(), "error", err)
		return
	}
	sock := &socket{
		conn:   conn,
		room:   room,
		send:   make(chan []byte, socketSendBacklog),
		logger: s.logger.With("documentId", room.ID(), "remote", r.RemoteAddr),
	}
	sock.serve(r.Context())
}

type socket struct {
	conn   *websocket.Conn
	room   *collab.Room
	send   chan []byte
	logger *slog.Logger
}

func (s *socket) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	state, err := crdt.EncodeUpdate(s.room.Document().CRDT().Snapshot())
	if err != nil {
		s.logger.Warn("encode initial state", "error", err)
		return
	}
	s.send <- state

	// A client that cannot keep up is dropped; it reconnects and starts again
	// from the full state.
	unobserve := s.room.Document().Observe(func(change crdt.Change) {
		data, err := crdt.EncodeUpdate(change.Update)
		if err != nil {
			s.logger.Warn("encode update for socket", "error", err)
			return
		}
		select {
		case s.send <- data:
		default:
			s.logger.Warn("socket backlog full, disconnecting")
			cancel()
		}
	})
	defer unobserve()

	go s.readLoop(cancel)
	s.writeLoop(ctx)
}

func (s *socket) readLoop(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(socketMaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("socket read failed", "error", err)
			}
			return
		}
		if err := s.room.ApplyClientUpdate(data); err != nil {
			s.logger.Warn("dropping client update", "error", err)
		}
	}
}

func (s *socket) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait))
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("socket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package websocket is the transport-layer consumer of pkg/models.AgentEvent:
// one upgraded connection per user session, streaming the session's
// AgentEvent feed out as JSON frames and accepting inbound user messages and
// cancellation requests in. Adapted from the teacher's gateway control-plane
// websocket handler, trimmed from its many chat-platform RPC methods down to
// the single send/cancel/event surface this runtime needs.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oxideagent/runtime/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	pingInterval   = 15 * time.Second
	maxMessageSize = 1 << 20
)

// Frame is the wire envelope exchanged over the connection. Inbound frames
// use Type "message" or "cancel"; outbound frames use Type "event" and carry
// an AgentEvent in Event.
type Frame struct {
	Type    string             `json:"type"`
	Text    string             `json:"text,omitempty"`
	Event   *models.AgentEvent `json:"event,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Dispatcher submits a user's message to the executor and returns the
// session's AgentEvent stream; Cancel requests cooperative cancellation of
// that user's in-flight run.
type Dispatcher interface {
	Submit(ctx context.Context, userID, text string) (<-chan models.AgentEvent, error)
	Cancel(userID string)
}

// Server upgrades incoming HTTP connections to per-user event streams.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewServer constructs a Server around dispatcher. logger defaults to
// slog.Default() when nil.
func NewServer(dispatcher Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the per-connection session loop
// until the client disconnects. userID identifies the session owner and is
// expected to have already been authenticated by middleware upstream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		conn:   conn,
		userID: userID,
		server: s,
		send:   make(chan Frame, 64),
	}
	sess.run()
}

type session struct {
	conn    *websocket.Conn
	userID  string
	server  *Server
	send    chan Frame
	closeMu sync.Once
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.writeLoop(ctx)
	s.readLoop(ctx)
}

func (s *session) close() {
	s.closeMu.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

func (s *session) readLoop(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.enqueue(Frame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "message":
			s.handleMessage(ctx, frame.Text)
		case "cancel":
			s.server.dispatcher.Cancel(s.userID)
		default:
			s.enqueue(Frame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

func (s *session) handleMessage(ctx context.Context, text string) {
	events, err := s.server.dispatcher.Submit(ctx, s.userID, text)
	if err != nil {
		s.enqueue(Frame{Type: "error", Error: err.Error()})
		return
	}

	go func() {
		for ev := range events {
			ev := ev
			s.enqueue(Frame{Type: "event", Event: &ev})
		}
	}()
}

func (s *session) enqueue(frame Frame) {
	defer func() {
		_ = recover() // send on closed channel after disconnect
	}()
	select {
	case s.send <- frame:
	default:
		s.server.logger.Warn("websocket send buffer full, dropping frame", "user", s.userID)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires a State to a WebSocket endpoint: one connection per peer
// (bridge or client).
type Server struct {
	State  *State
	Logger *slog.Logger
}

// NewServer builds a Server around a fresh State.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{State: NewState(), Logger: logger}
}

// ServeHTTP upgrades the connection and dispatches on the peer's first
// Message: register (a bridge) or request (a client, whose answer
// handleRequest then reads as a second Message on the same connection).
// Any other first message gets an error reply.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("broker: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		s.Logger.Debug("broker: read message", "err", err)
		return
	}

	switch msg.Type {
	case MsgRegister:
		s.handleRegister(conn, msg)
	case MsgRequest:
		s.handleRequest(conn)
	default:
		s.writeError(conn, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (s *Server) handleRegister(conn *websocket.Conn, msg Message) {
	if msg.Offer == nil {
		s.writeError(conn, "register requires an offer")
		return
	}
	id, answerCh, err := s.State.Register(*msg.Offer)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	s.Logger.Debug("broker: bridge registered", "id", id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	select {
	case answer, ok := <-answerCh:
		if !ok {
			s.writeError(conn, "registration expired unmatched")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(Message{Type: MsgAnswer, ID: id, Answer: &answer})
	case <-ctx.Done():
		s.writeError(conn, "timed out waiting for a client match")
	}
}

func (s *Server) handleRequest(conn *websocket.Conn) {
	id, offer, ok := s.State.Request()
	if !ok {
		s.writeError(conn, "no bridges available")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(Message{Type: MsgRegister, ID: id, Offer: &offer}); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil || reply.Answer == nil {
		s.Logger.Debug("broker: client never answered", "id", id)
		return
	}
	if err := s.State.Answer(id, *reply.Answer); err != nil {
		s.writeError(conn, err.Error())
	}
}

func (s *Server) writeError(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteJSON(Message{Type: MsgError, Error: reason})
}

// RunSweeper periodically reaps stale registrations until ctx is canceled.
func (s *Server) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.State.Sweep(maxAge); n > 0 {
				s.Logger.Debug("broker: swept stale registrations", "count", n)
			}
		}
	}
}

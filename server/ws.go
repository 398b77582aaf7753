package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/engine"
	"github.com/becomeliminal/nim-memory/memory"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// Outbound frame types.
const (
	FrameChunk    = "chunk"
	FrameComplete = "complete"
	FrameError    = "error"
)

// ClientFrame is a chat turn sent over the socket.
type ClientFrame struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ServerFrame is a chunk, completion or error sent to the client.
type ServerFrame struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"session_id,omitempty"`
	Content     string             `json:"content,omitempty"`
	Response    string             `json:"response,omitempty"`
	ContextType memory.ContextType `json:"context_type,omitempty"`
	Degraded    bool               `json:"degraded,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
}

// handleWS runs chat turns over a WebSocket. Turns on one connection are
// processed in order; writes go through a single writer goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan ServerFrame, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					s.log.Debug("ws_write_failed", zap.Error(err))
					cancel()
					// Unblocks the reader.
					_ = conn.Close()
					return
				}
				s.metrics.WSMessage("outbound", frame.Type)
			}
		}
	}()

	send := func(frame ServerFrame) {
		select {
		case <-ctx.Done():
		case outbound <- frame:
		}
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		var in ClientFrame
		if err := json.Unmarshal(data, &in); err != nil {
			s.metrics.WSMessage("inbound", "invalid")
			send(ServerFrame{Type: FrameError, Error: err.Error(), Code: "invalid_client_message"})
			continue
		}
		s.metrics.WSMessage("inbound", "message")

		out, err := s.engine.Chat(ctx, engine.ChatInput{
			SessionID: in.SessionID,
			Message:   in.Message,
			OnChunk: func(chunk string) {
				send(ServerFrame{Type: FrameChunk, SessionID: in.SessionID, Content: chunk})
			},
		})
		if err != nil {
			_, code := errorStatus(err)
			send(ServerFrame{Type: FrameError, SessionID: in.SessionID, Error: err.Error(), Code: code})
			continue
		}
		send(ServerFrame{
			Type:        FrameComplete,
			SessionID:   out.SessionID,
			Response:    out.Reply,
			ContextType: out.ContextType,
			Degraded:    out.Degraded,
		})
	}

	cancel()
	<-writerDone
}

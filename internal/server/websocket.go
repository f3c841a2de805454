package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvcrn/ragflow-relay/internal/relay"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 30 * time.Second

// chatAgentWebSocketHandler runs turns over a WebSocket: each text message from the
// client is a chat request, each frame goes back as one text message. Closing the
// socket cancels the running turn.
func (s *Server) chatAgentWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	agent := r.PathValue("agent")
	user := userID(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan []byte)
	go func() {
		defer cancel()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Warn().Err(err).Msg("WebSocket read failed")
				}
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			select {
			case requests <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	emit := func(f relay.Frame) error {
		b, err := f.Marshal()
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	for {
		var payload []byte
		select {
		case payload = <-requests:
		case <-ctx.Done():
			return
		}

		var req chatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			if emit(relay.Frame{Status: relay.StatusError, Message: "invalid request: " + err.Error()}) != nil {
				return
			}
			continue
		}
		turn, err := buildTurn(req, agent, user)
		if err != nil {
			if emit(relay.Frame{Status: relay.StatusError, Message: err.Error()}) != nil {
				return
			}
			continue
		}

		s.logger.Info().
			Str("agent_id", agent).
			Str("thread_id", turn.ThreadID).
			Str("request_id", turn.RequestID).
			Msg("Starting websocket chat turn")

		if err := s.driver.Run(ctx, turn, emit); err != nil {
			s.logger.Warn().
				Err(err).
				Str("request_id", turn.RequestID).
				Msg("WebSocket chat turn ended without finishing")
			if ctx.Err() != nil {
				return
			}
		}
	}
}

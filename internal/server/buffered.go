package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dvcrn/ragflow-relay/internal/relay"
)

// bufferedTurn is the single JSON document returned for ?stream=false.
type bufferedTurn struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Response  string                 `json:"response"`
	Msg       *relay.AIMessage       `json:"msg,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// turnBuffer aggregates a turn's frames into one bufferedTurn.
type turnBuffer struct {
	requestID string
	status    string
	message   string
	meta      map[string]interface{}

	answerID  string
	content   strings.Builder
	reference json.RawMessage
}

func (b *turnBuffer) emit(f relay.Frame) error {
	b.requestID = f.RequestID
	switch f.Status {
	case relay.StatusInit, relay.StatusFinished:
		b.status = f.Status
		if f.Meta != nil {
			b.meta = f.Meta
		}
	case relay.StatusLoading:
		b.status = f.Status
		if msg, ok := f.Msg.(relay.AIMessage); ok {
			b.answerID = msg.ID
			b.content.WriteString(msg.Content)
			if msg.Reference != nil {
				b.reference = msg.Reference
			}
		}
	case relay.StatusError:
		b.status = f.Status
		b.message = f.Message
		if f.Meta != nil {
			b.meta = f.Meta
		}
	}
	return nil
}

func (b *turnBuffer) result() bufferedTurn {
	out := bufferedTurn{
		RequestID: b.requestID,
		Status:    b.status,
		Response:  b.content.String(),
		Message:   b.message,
		Meta:      b.meta,
	}
	if b.answerID != "" {
		out.Msg = &relay.AIMessage{
			Content:   out.Response,
			ID:        b.answerID,
			Role:      "assistant",
			Type:      "ai",
			Reference: b.reference,
		}
	}
	return out
}

func (s *Server) bufferedChat(w http.ResponseWriter, r *http.Request, turn relay.Turn) {
	var buf turnBuffer
	if err := s.driver.Run(r.Context(), turn, buf.emit); err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", turn.RequestID).
			Msg("Buffered chat turn ended without finishing")
	}

	res := buf.result()
	status := http.StatusOK
	if res.Status != relay.StatusFinished {
		status = http.StatusBadGateway
		if res.Status == "" {
			res.Status = relay.StatusError
		}
	}
	writeJSON(w, status, res)
}

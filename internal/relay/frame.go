package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Frame statuses.
const (
	StatusInit     = "init"
	StatusLoading  = "loading"
	StatusFinished = "finished"
	StatusError    = "error"
)

// Frame is one newline-delimited JSON object sent to the client.
type Frame struct {
	RequestID string                 `json:"request_id"`
	Status    string                 `json:"status"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Msg       interface{}            `json:"msg,omitempty"`
	Response  *string                `json:"response,omitempty"`
	Content   *string                `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// HumanMessage is the user's message as echoed in the init frame.
type HumanMessage struct {
	Content          string                 `json:"content"`
	AdditionalKwargs map[string]interface{} `json:"additional_kwargs"`
	ResponseMetadata map[string]interface{} `json:"response_metadata"`
	Type             string                 `json:"type"`
	Name             *string                `json:"name"`
	ID               *string                `json:"id"`
	Example          bool                   `json:"example"`
}

// AIMessage is the per-delta assistant message in loading frames.
type AIMessage struct {
	Content   string          `json:"content"`
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Reference json.RawMessage `json:"reference,omitempty"`
}

func initFrame(turn Turn) Frame {
	return Frame{
		RequestID: turn.RequestID,
		Status:    StatusInit,
		Meta:      turn.Meta,
		Msg: HumanMessage{
			Content:          turn.Query,
			AdditionalKwargs: map[string]interface{}{},
			ResponseMetadata: map[string]interface{}{},
			Type:             "human",
		},
	}
}

func loadingFrame(turn Turn, answerID string, ev Event) Frame {
	content := ev.Content
	return Frame{
		RequestID: turn.RequestID,
		Status:    StatusLoading,
		Response:  &content,
		Content:   &content,
		Msg: AIMessage{
			Content:   ev.Text,
			ID:        answerID,
			Role:      "assistant",
			Type:      "ai",
			Reference: ev.Reference,
		},
		Metadata: turn.Meta,
	}
}

func finishedFrame(turn Turn) Frame {
	return Frame{RequestID: turn.RequestID, Status: StatusFinished, Meta: turn.Meta}
}

func errorFrame(turn Turn, message string) Frame {
	if message == "" {
		message = "unknown error"
	}
	return Frame{RequestID: turn.RequestID, Status: StatusError, Message: message, Meta: turn.Meta}
}

// Marshal encodes f as JSON without escaping HTML, so markdown answers pass through as-is.
func (f Frame) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteNDJSON writes f as one JSON line.
func WriteNDJSON(w io.Writer, f Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

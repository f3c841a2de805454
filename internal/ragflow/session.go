package ragflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Session is a RAGFlow conversation session under a chat assistant.
type Session struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	Name   string `json:"name"`
}

type sessionEnvelope struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    *Session `json:"data"`
}

// CreateSession creates a new session named name under the configured chat assistant.
func (c *Client) CreateSession(ctx context.Context, name string) (Session, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal session request: %w", err)
	}

	resp, err := c.do(ctx, c.chatURL("sessions"), body, false)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Session{}, fmt.Errorf("create session: failed to decode response: %w", err)
	}
	if env.Code != 0 {
		return Session{}, fmt.Errorf("create session: %w", &APIError{Code: env.Code, Message: env.Message})
	}
	if env.Data == nil || env.Data.ID == "" {
		return Session{}, errors.New("create session: response carries no session id")
	}

	s := *env.Data
	if s.ChatID == "" {
		s.ChatID = c.cfg.ChatID
	}
	c.logger.Info().
		Str("session_id", s.ID).
		Str("chat_id", s.ChatID).
		Str("name", s.Name).
		Msg("Created ragflow session")
	return s, nil
}

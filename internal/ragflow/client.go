// Package ragflow talks to the RAGFlow chat-assistant HTTP API: session creation and
// streamed completions.
package ragflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dvcrn/ragflow-relay/internal/config"
	"github.com/dvcrn/ragflow-relay/internal/credentials"
	"github.com/dvcrn/ragflow-relay/internal/logger"
	"github.com/rs/zerolog"
)

// Client is a RAGFlow chat-assistant client bound to one chat id.
type Client struct {
	cfg        config.RAGFlowConfig
	httpClient HTTPClient
	creds      credentials.APIKeyFetcher
	logger     zerolog.Logger
}

// NewClient builds a client. A nil httpClient gets NewHTTPClient(cfg.Timeout).
func NewClient(cfg config.RAGFlowConfig, httpClient HTTPClient, creds credentials.APIKeyFetcher, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		creds:      creds,
		logger:     logger.With().Str("component", "ragflow").Logger(),
	}
}

// ChatID is the chat assistant this client talks to.
func (c *Client) ChatID() string {
	return c.cfg.ChatID
}

func (c *Client) chatURL(suffix string) string {
	return fmt.Sprintf("%s/api/v1/chats/%s/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.ChatID), suffix)
}

func (c *Client) newRequest(ctx context.Context, endpoint string, body []byte, token string, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	// Normalize token to avoid double "Bearer "
	bareToken := strings.TrimSpace(token)
	if len(bareToken) >= 7 && strings.EqualFold(bareToken[:7], "Bearer ") {
		bareToken = strings.TrimSpace(bareToken[7:])
	}
	req.Header.Set("Authorization", "Bearer "+bareToken)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, endpoint string, body []byte, stream bool) (*http.Response, error) {
	if c.creds == nil {
		return nil, fmt.Errorf("no ragflow api key configured")
	}
	token, err := c.creds.APIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	req, err := c.newRequest(ctx, endpoint, body, token, stream)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("url", endpoint).
		Str("authorization_preview", "Bearer "+logger.MaskSecret(token)).
		Msg("Upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// do POSTs body to endpoint, refreshing the API key and retrying once on a 401.
// Non-2xx responses are returned as *StatusError with the body closed.
func (c *Client) do(ctx context.Context, endpoint string, body []byte, stream bool) (*http.Response, error) {
	resp, err := c.send(ctx, endpoint, body, stream)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Warn().Msg("Received 401 Unauthorized, attempting api key refresh...")

		if err := c.creds.Refresh(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to refresh api key after 401 error")
			return nil, fmt.Errorf("api key rejected and refresh failed: %w", err)
		}

		resp, err = c.send(ctx, endpoint, body, stream)
		if err != nil {
			return nil, fmt.Errorf("retry request failed: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Error().Msg("Still received 401 after api key refresh, giving up")
		} else {
			c.logger.Info().Msg("Request succeeded after api key refresh")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		preview := previewBody(resp.Body)
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("content_type", resp.Header.Get("Content-Type")).
			Str("response_body", preview).
			Msg("Received error response from upstream API")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: preview}
	}
	return resp, nil
}

func previewBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return fmt.Sprintf("<error reading body: %v>", err)
	}
	preview := strings.TrimSpace(string(b))
	if len(preview) > 1200 {
		return preview[:1200] + "…(truncated)"
	}
	return preview
}

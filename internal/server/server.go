package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/ragflow-relay/internal/binding"
	"github.com/dvcrn/ragflow-relay/internal/history"
	"github.com/dvcrn/ragflow-relay/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultUserID = "anonymous"

// ndjsonFlushWriter wraps a ResponseWriter to flush after each write.
type ndjsonFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw ndjsonFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// TurnRunner runs one relay turn.
type TurnRunner interface {
	Run(ctx context.Context, turn relay.Turn, emit func(relay.Frame) error) error
}

// HistoryLister reads stored turns.
type HistoryLister interface {
	List(ctx context.Context, threadID, userID, agentID string) ([]history.Entry, error)
}

// ThreadBinder binds a thread to an upstream session ahead of its first turn.
type ThreadBinder interface {
	Bind(ctx context.Context, threadID, title string) (binding.Binding, error)
}

// Options wires the server's collaborators.
type Options struct {
	Driver  TurnRunner
	History HistoryLister
	Binder  ThreadBinder
	// APIKey, when set, is required on every /chat route.
	APIKey  string
	Metrics http.Handler
}

type Server struct {
	driver   TurnRunner
	history  HistoryLister
	binder   ThreadBinder
	apiKey   string
	metrics  http.Handler
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	logger   zerolog.Logger
}

func New(logger zerolog.Logger, opts Options) *Server {
	s := &Server{
		driver:  opts.Driver,
		history: opts.History,
		binder:  opts.Binder,
		apiKey:  opts.APIKey,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		mux:    http.NewServeMux(),
		logger: logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/chat/agent/{agent}", s.authMiddleware(s.chatAgentHandler))
	s.mux.HandleFunc("/chat/agent/{agent}/ws", s.authMiddleware(s.chatAgentWebSocketHandler))
	s.mux.HandleFunc("/chat/agent/{agent}/history", s.authMiddleware(s.historyHandler))
	s.mux.HandleFunc("/chat/thread/session", s.authMiddleware(s.threadSessionHandler))
	s.mux.HandleFunc("/health", s.healthHandler)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.mux).ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

// chatRequest is the body of a chat turn.
type chatRequest struct {
	Query  string                 `json:"query"`
	Config map[string]interface{} `json:"config"`
	Meta   map[string]interface{} `json:"meta"`
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return defaultUserID
}

func stringValue(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// buildTurn validates req and merges the turn identity into its meta.
func buildTurn(req chatRequest, agent, user string) (relay.Turn, error) {
	if strings.TrimSpace(req.Query) == "" {
		return relay.Turn{}, errors.New("query is required")
	}

	meta := make(map[string]interface{}, len(req.Meta)+6)
	for k, v := range req.Meta {
		meta[k] = v
	}
	threadID := stringValue(req.Config, "thread_id")
	model := stringValue(req.Config, "model")
	if model == "" {
		model = agent
	}
	requestID := stringValue(meta, "request_id")
	if requestID == "" {
		requestID = uuid.NewString()
		meta["request_id"] = requestID
	}
	meta["query"] = req.Query
	meta["agent_name"] = agent
	meta["server_model_name"] = model
	meta["thread_id"] = threadID
	meta["user_id"] = user

	return relay.Turn{
		RequestID: requestID,
		ThreadID:  threadID,
		UserID:    user,
		AgentID:   agent,
		Query:     req.Query,
		Meta:      meta,
	}, nil
}

func (s *Server) chatAgentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agent := r.PathValue("agent")
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	turn, err := buildTurn(req, agent, userID(r))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info().
		Str("agent_id", agent).
		Str("thread_id", turn.ThreadID).
		Str("request_id", turn.RequestID).
		Msg("Starting chat turn")

	if r.URL.Query().Get("stream") == "false" {
		s.bufferedChat(w, r, turn)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.logger.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}
	var out io.Writer = w
	if canFlush {
		flusher.Flush()
		out = ndjsonFlushWriter{w: w, f: flusher}
	}
	emit := func(f relay.Frame) error {
		return relay.WriteNDJSON(out, f)
	}

	if err := s.driver.Run(r.Context(), turn, emit); err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", turn.RequestID).
			Msg("Chat turn ended without finishing")
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	entries, err := s.history.List(r.Context(), threadID, userID(r), r.PathValue("agent"))
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to load history")
		writeJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

type threadSessionRequest struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

func (s *Server) threadSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req threadSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	b, err := s.binder.Bind(r.Context(), req.ThreadID, req.Title)
	if errors.Is(err, binding.ErrNoThread) {
		writeJSONError(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", req.ThreadID).Msg("Failed to bind thread")
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

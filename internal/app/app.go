// Package app wires configuration, storage, the RAGFlow client and the relay into a
// runnable server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/dvcrn/ragflow-relay/internal/binding"
	"github.com/dvcrn/ragflow-relay/internal/config"
	"github.com/dvcrn/ragflow-relay/internal/credentials"
	"github.com/dvcrn/ragflow-relay/internal/history"
	"github.com/dvcrn/ragflow-relay/internal/metrics"
	"github.com/dvcrn/ragflow-relay/internal/ragflow"
	"github.com/dvcrn/ragflow-relay/internal/relay"
	"github.com/dvcrn/ragflow-relay/internal/server"
	"github.com/dvcrn/ragflow-relay/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// App holds the wired relay components.
type App struct {
	Config  config.Config
	Driver  *relay.Driver
	History *history.Store
	Binder  *binding.Binder
	Server  *server.Server

	db      *sql.DB
	closers []func()
}

// New opens storage and builds every component from cfg. Callers must Close the App.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, db: db}

	bindings, err := binding.NewSQLiteStore(ctx, db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.History = history.NewStore(db)

	creds, closeCreds := NewCredentials(cfg.RAGFlow, logger)
	if closeCreds != nil {
		a.closers = append(a.closers, closeCreds)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	client := ragflow.NewClient(cfg.RAGFlow, ragflow.NewHTTPClient(cfg.RAGFlow.Timeout), creds, logger)
	a.Binder = binding.NewBinder(bindings, client, cfg.RAGFlow.SessionName, m, logger)
	a.Driver = relay.NewDriver(relay.Options{
		Resolver:          a.Binder,
		Upstream:          relay.ClientUpstream{Client: client},
		Recorder:          a.History,
		Pacer:             relay.NewPacer(cfg.Pacing.Enabled, cfg.Pacing.Tiers),
		Metrics:           m,
		CollapseCitations: cfg.CollapseCitations,
	}, logger)

	a.Server = server.New(logger, server.Options{
		Driver:  a.Driver,
		History: a.History,
		Binder:  a.Binder,
		APIKey:  cfg.Auth.APIKey,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	logger.Info().
		Str("base_url", cfg.RAGFlow.BaseURL).
		Str("chat_id", cfg.RAGFlow.ChatID).
		Str("db_path", cfg.Storage.Path).
		Bool("pacing", cfg.Pacing.Enabled).
		Msg("Relay wired")
	return a, nil
}

// Handler returns the HTTP handler serving every relay route.
func (a *App) Handler() http.Handler {
	return a.Server
}

// Close stops background credential refreshes and closes the database.
func (a *App) Close() error {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// NewCredentials picks the API key source for cfg. The returned func, when non-nil,
// stops background work owned by the fetcher.
func NewCredentials(cfg config.RAGFlowConfig, logger zerolog.Logger) (credentials.APIKeyFetcher, func()) {
	if cfg.APIKey != "" {
		logger.Info().Msg("🔑 Using API key from configuration")
		return credentials.Static(cfg.APIKey), nil
	}

	path := cfg.CredentialsPath
	if path == "" {
		path = credentials.DefaultCredsPath()
	}

	switch cfg.Credentials {
	case "keychain":
		k := credentials.NewKeychainFetcher(logger)
		logger.Info().Str("service", credentials.KeychainService).Msg("🔑 Using keychain API key")
		return k, k.Close
	case "fs":
		logger.Info().Str("path", path).Msg("📄 Using filesystem API key")
		return credentials.NewFSFetcher(path), nil
	case "env":
		logger.Info().Msg("📝 Using environment API key")
		return credentials.NewEnvFetcher(), nil
	}

	if credentials.FileExists(path) {
		logger.Info().Str("path", path).Msg("📄 Using filesystem API key")
		return credentials.NewFSFetcher(path), nil
	}
	logger.Info().Msg("📝 Using environment API key")
	return credentials.NewEnvFetcher(), nil
}

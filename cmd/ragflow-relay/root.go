package main

import (
	"context"
	"os"

	"github.com/dvcrn/ragflow-relay/internal/app"
	"github.com/dvcrn/ragflow-relay/internal/config"
	"github.com/dvcrn/ragflow-relay/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ragflow-relay",
		Short: "Stream RAGFlow chat answers to clients as NDJSON frames",
		Long: `ragflow-relay sits between chat clients and a RAGFlow assistant.

It binds each conversation thread to a RAGFlow session, turns the upstream
cumulative answers into incremental frames, paces them for the client and
records every finished exchange in a local sqlite history.

Quick Start:
  ragflow-relay serve                          # run the HTTP relay
  ragflow-relay ask --thread t1 "What is RAG?" # one turn on the terminal
  ragflow-relay history --thread t1            # print a thread's history`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("RELAY_CONFIG"), "Path to a YAML config file (env RELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	serve := newServeCmd(opts)
	root.AddCommand(serve, newAskCmd(opts), newHistoryCmd(opts), newSetKeyCmd(opts))
	root.RunE = serve.RunE
	return root
}

// load reads the configuration and builds the logger for a subcommand.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, logger.New(cfg.LogLevel), nil
}

// openApp loads and validates configuration, then wires the relay.
func (o *rootOptions) openApp(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, log, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, log, err
	}
	a, err := app.New(ctx, cfg, log)
	return a, log, err
}

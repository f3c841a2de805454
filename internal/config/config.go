// Package config loads relay configuration from defaults, an optional YAML file and
// environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the relay.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	RAGFlow RAGFlowConfig `yaml:"ragflow"`
	Storage StorageConfig `yaml:"storage"`
	Pacing  PacingConfig  `yaml:"pacing"`
	Auth    AuthConfig    `yaml:"auth"`

	// CollapseCitations rewrites [ID:n] markers to a single ⓘ before persisting answers.
	CollapseCitations bool `yaml:"collapse_citations"`
}

// RAGFlowConfig describes the upstream conversational backend.
type RAGFlowConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	ChatID      string        `yaml:"chat_id"`
	Timeout     time.Duration `yaml:"timeout"`
	SessionName string        `yaml:"session_name"`

	// Credentials picks where the API key comes from when APIKey is empty:
	// "env", "fs" or "keychain". Empty means fs if CredentialsPath exists, else env.
	Credentials     string `yaml:"credentials"`
	CredentialsPath string `yaml:"credentials_path"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// PacingConfig controls the adaptive delay between emitted deltas.
type PacingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Tiers   []PacingTier `yaml:"tiers"`
}

// PacingTier applies Delay to deltas strictly longer than MinLength.
type PacingTier struct {
	MinLength int           `yaml:"min_length"`
	Delay     time.Duration `yaml:"delay"`
}

type AuthConfig struct {
	// APIKey, when set, is required on every /chat route.
	APIKey string `yaml:"api_key"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Port:     "9880",
		LogLevel: "info",
		RAGFlow: RAGFlowConfig{
			Timeout:     60 * time.Second,
			SessionName: "新对话",
		},
		Storage: StorageConfig{
			Path: "saves/agents/ragflow/aio_history.db",
		},
		Pacing: PacingConfig{
			Enabled: true,
			Tiers:   DefaultPacingTiers(),
		},
	}
}

// DefaultPacingTiers is the stock delay ladder: the longer the delta, the shorter the pause.
func DefaultPacingTiers() []PacingTier {
	return []PacingTier{
		{MinLength: 100, Delay: 100 * time.Millisecond},
		{MinLength: 50, Delay: 200 * time.Millisecond},
		{MinLength: 20, Delay: 500 * time.Millisecond},
		{MinLength: 0, Delay: 700 * time.Millisecond},
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if len(cfg.Pacing.Tiers) == 0 {
		cfg.Pacing.Tiers = DefaultPacingTiers()
	}
	cfg.RAGFlow.BaseURL = strings.TrimRight(cfg.RAGFlow.BaseURL, "/")
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envString("PORT", cfg.Port)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	cfg.RAGFlow.BaseURL = envString("RAGFLOW_BASE_URL", cfg.RAGFlow.BaseURL)
	cfg.RAGFlow.APIKey = envString("RAGFLOW_API_KEY", cfg.RAGFlow.APIKey)
	cfg.RAGFlow.ChatID = envString("RAGFLOW_CHAT_ID", cfg.RAGFlow.ChatID)
	cfg.RAGFlow.Timeout = envDuration("RAGFLOW_TIMEOUT", cfg.RAGFlow.Timeout)
	cfg.RAGFlow.SessionName = envString("RAGFLOW_SESSION_NAME", cfg.RAGFlow.SessionName)
	cfg.RAGFlow.Credentials = envString("RAGFLOW_CREDENTIALS", cfg.RAGFlow.Credentials)
	cfg.RAGFlow.CredentialsPath = envString("RAGFLOW_CREDENTIALS_PATH", cfg.RAGFlow.CredentialsPath)

	cfg.Storage.Path = envString("RELAY_DB_PATH", cfg.Storage.Path)
	cfg.Auth.APIKey = envString("RELAY_API_KEY", cfg.Auth.APIKey)
	cfg.Pacing.Enabled = envBool("RELAY_PACING", cfg.Pacing.Enabled)
	cfg.CollapseCitations = envBool("RELAY_COLLAPSE_CITATIONS", cfg.CollapseCitations)
}

// Validate reports configuration that would make every turn fail.
func (c Config) Validate() error {
	var errs []error
	if c.RAGFlow.BaseURL == "" {
		errs = append(errs, errors.New("ragflow.base_url (RAGFLOW_BASE_URL) is required"))
	}
	if c.RAGFlow.ChatID == "" {
		errs = append(errs, errors.New("ragflow.chat_id (RAGFLOW_CHAT_ID) is required"))
	}
	if c.RAGFlow.Timeout <= 0 {
		errs = append(errs, errors.New("ragflow.timeout must be positive"))
	}
	switch c.RAGFlow.Credentials {
	case "", "env", "fs", "keychain":
	default:
		errs = append(errs, fmt.Errorf("ragflow.credentials %q must be one of env, fs, keychain", c.RAGFlow.Credentials))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path (RELAY_DB_PATH) is required"))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

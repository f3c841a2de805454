package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

type fsCredentials struct {
	APIKey string `json:"api_key"`
}

// FSFetcher reads the API key from a JSON file and caches it until Refresh
type FSFetcher struct {
	Path string

	mu     sync.RWMutex
	cached string
}

func NewFSFetcher(path string) *FSFetcher {
	return &FSFetcher{Path: path}
}

func (f *FSFetcher) APIKey() (string, error) {
	f.mu.RLock()
	key := f.cached
	f.mu.RUnlock()
	if key != "" {
		return key, nil
	}
	if err := f.Refresh(); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cached, nil
}

// Refresh re-reads the credentials file
func (f *FSFetcher) Refresh() error {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}
	var c fsCredentials
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return fmt.Errorf("missing api_key in credentials file %s", f.Path)
	}
	f.mu.Lock()
	f.cached = key
	f.mu.Unlock()
	return nil
}

// SaveAPIKey writes key to path with owner-only permissions, creating parent directories.
func SaveAPIKey(path, key string) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fsCredentials{APIKey: key}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

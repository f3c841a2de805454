package credentials

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KeychainService is the generic-password service name the key is stored under
const KeychainService = "ragflow-relay"

// KeychainFetcher retrieves the API key from macOS keychain with caching
type KeychainFetcher struct {
	mu          sync.RWMutex
	cachedKey   string
	lastRefresh time.Time
	cacheTTL    time.Duration
	stopCh      chan struct{}
	logger      *zerolog.Logger

	// lookup is swapped in tests; defaults to the security CLI.
	lookup func() (string, error)
}

// NewKeychainFetcher creates a keychain fetcher that refreshes in the background
func NewKeychainFetcher(logger zerolog.Logger) *KeychainFetcher {
	f := &KeychainFetcher{
		cacheTTL: 5 * time.Minute,
		stopCh:   make(chan struct{}),
		logger:   &logger,
		lookup:   readKeychain,
	}
	go f.backgroundRefresh()
	return f
}

// APIKey returns the cached key, reading the keychain when the cache is stale
func (k *KeychainFetcher) APIKey() (string, error) {
	k.mu.RLock()
	if k.cachedKey != "" && time.Since(k.lastRefresh) < k.cacheTTL {
		key := k.cachedKey
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()
	if err := k.Refresh(); err != nil {
		return "", err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cachedKey, nil
}

// Refresh forces a fresh read from keychain
func (k *KeychainFetcher) Refresh() error {
	key, err := k.lookup()
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.cachedKey = key
	k.lastRefresh = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *KeychainFetcher) backgroundRefresh() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := k.Refresh()
			if k.logger != nil {
				if err != nil {
					k.logger.Error().Err(err).Msg("Failed to refresh API key from keychain")
				} else {
					k.logger.Debug().Msg("🔄 Refreshed API key from keychain")
				}
			}
		case <-k.stopCh:
			return
		}
	}
}

// Close stops the background refresh goroutine
func (k *KeychainFetcher) Close() {
	close(k.stopCh)
}

func readKeychain() (string, error) {
	cmd := exec.Command("security", "find-generic-password", "-s", KeychainService, "-w")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to retrieve API key from Keychain: %w", err)
	}
	key := strings.TrimSpace(string(output))
	if key == "" {
		return "", fmt.Errorf("API key is empty in keychain item %q", KeychainService)
	}
	return key, nil
}

package credentials

import (
	"fmt"
	"os"
	"strings"
)

// EnvAPIKeyVar is the environment variable holding the RAGFlow API key
const EnvAPIKeyVar = "RAGFLOW_API_KEY"

// EnvFetcher retrieves the API key from the environment on every call
type EnvFetcher struct{}

// NewEnvFetcher creates a new environment-based API key fetcher
func NewEnvFetcher() *EnvFetcher {
	return &EnvFetcher{}
}

// APIKey reads RAGFLOW_API_KEY
func (e *EnvFetcher) APIKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(EnvAPIKeyVar))
	if key == "" {
		return "", fmt.Errorf("%s is not set", EnvAPIKeyVar)
	}
	return key, nil
}

// Refresh is a no-op for environment credentials
func (e *EnvFetcher) Refresh() error {
	return nil
}

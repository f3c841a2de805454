package credentials

// APIKeyFetcher supplies the bearer token sent to the RAGFlow API
type APIKeyFetcher interface {
	APIKey() (string, error)
	// Refresh re-reads the key from its source, e.g. after the upstream answered 401.
	Refresh() error
}

// Static is a fixed API key taken from configuration
type Static string

func (s Static) APIKey() (string, error) {
	return string(s), nil
}

func (s Static) Refresh() error {
	return nil
}

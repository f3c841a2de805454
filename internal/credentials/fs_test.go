package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSFetcherRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	require.NoError(t, SaveAPIKey(path, "first"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	f := NewFSFetcher(path)
	key, err := f.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "first", key)

	// cached until Refresh
	require.NoError(t, SaveAPIKey(path, "second"))
	key, err = f.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "first", key)

	require.NoError(t, f.Refresh())
	key, err = f.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "second", key)
}

func TestFSFetcherErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFSFetcher(filepath.Join(dir, "missing.json")).APIKey()
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	_, err = NewFSFetcher(bad).APIKey()
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"api_key":"  "}`), 0600))
	_, err = NewFSFetcher(empty).APIKey()
	assert.Error(t, err)
}

package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session", "tokens.json")

	store, err := NewFileTokenStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.AccessToken())
	assert.Empty(t, store.RefreshToken())

	require.NoError(t, store.SetTokens("access-1", "refresh-1"))

	// A fresh store against the same path sees the persisted session.
	reloaded, err := NewFileTokenStore(path)
	require.NoError(t, err)
	assert.Equal(t, "access-1", reloaded.AccessToken())
	assert.Equal(t, "refresh-1", reloaded.RefreshToken())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileTokenStoreClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileTokenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SetTokens("access-1", "refresh-1"))
	require.NoError(t, store.Clear())

	assert.Empty(t, store.AccessToken())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing an already-cleared session is not an error.
	require.NoError(t, store.Clear())
}

func TestFileTokenStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := NewFileTokenStore(path)
	assert.Error(t, err)
}

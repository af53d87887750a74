package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	store, err := Open(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Empty(t, store.AuthToken())
	assert.Empty(t, store.UserID())
	assert.Empty(t, store.Streamers())
}

func TestOpen_CorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := Open(path)
	require.NoError(t, err)

	assert.Empty(t, store.AuthToken())
	assert.Empty(t, store.Streamers())
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	store, err := Open(path)
	require.NoError(t, err)
	store.SetAuthToken("oauth-abc")
	store.SetUserID("12345")
	store.AddStreamer("Alpha")
	store.AddStreamer("bravo")

	reopened, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, "oauth-abc", reopened.AuthToken())
	assert.Equal(t, "12345", reopened.UserID())
	assert.Equal(t, []string{"alpha", "bravo"}, reopened.Streamers())
}

func TestAddStreamer_NormalizesAndDeduplicates(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	store.AddStreamer("  SomeStreamer  ")
	store.AddStreamer("somestreamer")
	store.AddStreamer("SOMESTREAMER")
	store.AddStreamer("")
	store.AddStreamer("   ")

	assert.Equal(t, []string{"somestreamer"}, store.Streamers())
}

func TestRemoveStreamer(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	store.AddStreamer("alpha")
	store.AddStreamer("bravo")

	store.RemoveStreamer("ALPHA")
	assert.Equal(t, []string{"bravo"}, store.Streamers())

	// removing an unknown login is harmless
	store.RemoveStreamer("charlie")
	assert.Equal(t, []string{"bravo"}, store.Streamers())
}

func TestStreamers_ReturnsCopy(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	store.AddStreamer("alpha")

	streamers := store.Streamers()
	streamers[0] = "mutated"

	assert.Equal(t, []string{"alpha"}, store.Streamers())
}

func TestSave_LeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	store, err := Open(path)
	require.NoError(t, err)
	store.SetAuthToken("oauth-abc")
	store.AddStreamer("alpha")

	// the rename-into-place write must not leave its sibling temp file
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())

	// and the renamed file is complete valid JSON
	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "oauth-abc", reopened.AuthToken())
	assert.Equal(t, []string{"alpha"}, reopened.Streamers())
}

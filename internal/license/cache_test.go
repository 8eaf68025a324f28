package license

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileSlotRoundTrip tests store-then-load through the signed file.
func TestFileSlotRoundTrip(t *testing.T) {
	slot := NewFileSlot(filepath.Join(t.TempDir(), "status.json"))

	_, ok := slot.Load()
	assert.False(t, ok, "empty slot loads as absent")

	stored := CachedStatus{HasLicense: true, Timestamp: time.Now().UTC()}
	require.NoError(t, slot.Store(stored))

	loaded, ok := slot.Load()
	require.True(t, ok)
	assert.True(t, loaded.HasLicense)
	assert.True(t, loaded.Timestamp.Equal(stored.Timestamp))
	assert.NotEmpty(t, loaded.Signature)
}

// TestFileSlotCreatesDirectory tests nested path handling.
func TestFileSlotCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "status.json")
	slot := NewFileSlot(path)

	require.NoError(t, slot.Store(CachedStatus{HasLicense: true, Timestamp: time.Now()}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// TestFileSlotTamperReadsAsAbsent tests that a hand-edited slot file is
// treated as missing, never as a valid entitlement.
func TestFileSlotTamperReadsAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	slot := NewFileSlot(path)

	require.NoError(t, slot.Store(CachedStatus{HasLicense: false, Timestamp: time.Now().UTC()}))

	// Flip has_license to true without re-signing.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cached CachedStatus
	require.NoError(t, json.Unmarshal(data, &cached))
	cached.HasLicense = true
	forged, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, forged, 0600))

	_, ok := slot.Load()
	assert.False(t, ok, "forged slot must read as absent")
}

// TestFileSlotCorruptJSON tests that unparseable content reads as
// absent.
func TestFileSlotCorruptJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, ok := NewFileSlot(path).Load()
	assert.False(t, ok)
}

// TestFileSlotClear tests clear on present and absent files.
func TestFileSlotClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	slot := NewFileSlot(path)

	assert.NoError(t, slot.Clear(), "clearing an empty slot is a no-op")

	require.NoError(t, slot.Store(CachedStatus{HasLicense: true, Timestamp: time.Now()}))
	require.NoError(t, slot.Clear())

	_, ok := slot.Load()
	assert.False(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// TestMemorySlot tests the in-memory slot used for server sessions.
func TestMemorySlot(t *testing.T) {
	slot := NewMemorySlot()

	_, ok := slot.Load()
	assert.False(t, ok)

	require.NoError(t, slot.Store(CachedStatus{HasLicense: true, Timestamp: time.Now()}))
	loaded, ok := slot.Load()
	require.True(t, ok)
	assert.True(t, loaded.HasLicense)

	require.NoError(t, slot.Clear())
	_, ok = slot.Load()
	assert.False(t, ok)
}

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/polis-pii/pkg/pii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForUpdate(t *testing.T, ch <-chan PolicyUpdate) PolicyUpdate {
	t.Helper()
	select {
	case update, ok := <-ch:
		require.True(t, ok, "subscriber channel closed")
		return update
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy update")
		return PolicyUpdate{}
	}
}

func TestPolicyWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: v1\noptions:\n  enable_email: true\n"), 0o600))

	w, err := NewPolicyWatcher(path, "pepper", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	current := w.Current()
	assert.Equal(t, "v1", current.Name)
	assert.Equal(t, "pepper", current.Options.HashSalt)

	updates := w.Subscribe()
	require.NoError(t, os.WriteFile(path, []byte("name: v2\noptions:\n  enable_email: false\n"), 0o600))

	update := waitForUpdate(t, updates)
	assert.Equal(t, "v2", update.Name)
	assert.False(t, update.Options.Enabled[pii.CategoryEmail])
	assert.Equal(t, "pepper", update.Options.HashSalt)
	assert.Equal(t, "v2", w.Current().Name)
}

func TestPolicyWatcher_RejectsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: good\noptions: {}\n"), 0o600))

	w, err := NewPolicyWatcher(path, "", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	updates := w.Subscribe()

	// Unknown category fails at Build time, after ParseOptions accepts the shape.
	require.NoError(t, os.WriteFile(path, []byte("name: bad\noptions:\n  enable_not_a_thing: true\n"), 0o600))
	select {
	case update := <-updates:
		t.Fatalf("invalid policy must not be published, got %q", update.Name)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, "good", w.Current().Name)

	require.NoError(t, os.WriteFile(path, []byte("name: fixed\noptions: {}\n"), 0o600))
	assert.Equal(t, "fixed", waitForUpdate(t, updates).Name)
}

func TestPolicyWatcher_InitialLoadFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("options:\n  minimum_confidence: high\n"), 0o600))

	_, err := NewPolicyWatcher(path, "", quietLogger())
	require.Error(t, err)

	_, err = NewPolicyWatcher(filepath.Join(t.TempDir(), "missing.yaml"), "", quietLogger())
	require.Error(t, err)
}

func TestPolicyWatcher_CloseClosesSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("options: {}\n"), 0o600))

	w, err := NewPolicyWatcher(path, "", quietLogger())
	require.NoError(t, err)
	updates := w.Subscribe()

	require.NoError(t, w.Close())
	_, ok := <-updates
	assert.False(t, ok)
}

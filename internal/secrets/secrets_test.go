package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "secrets"))

	_, err := s.Get("token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("token", "hunter2"))
	got, err := s.Get("token")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, s.Delete("token"))
	require.NoError(t, s.Delete("token"), "delete is idempotent")
	_, err = s.Get("token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	s := New(dir)
	require.NoError(t, s.Put("k", "v"))

	info, err := os.Stat(filepath.Join(dir, "k"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestInvalidKeys(t *testing.T) {
	s := New(t.TempDir())
	for _, key := range []string{"", "a/b", "..", "."} {
		assert.Error(t, s.Put(key, "v"), "key %q", key)
	}
}

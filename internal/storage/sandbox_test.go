package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathContainment(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	path, err := s.ResolvePath("thumbs/a.avif")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, s.BaseDir()))

	_, err = s.ResolvePath("../escape.avif")
	assert.Error(t, err)

	_, err = s.ResolvePath("/etc/passwd")
	assert.Error(t, err)
}

func TestExistsAndRemove(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	exists, err := s.Exists("a.avif")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), "a.avif"), []byte("x"), 0o640))
	exists, err = s.Exists("a.avif")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Remove("a.avif"))
	exists, err = s.Exists("a.avif")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveBaseDirRefused(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Remove("."))
}

func TestAtomicWriteReader(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AtomicWriteReader("nested/b.avif", strings.NewReader("avif-bytes")))

	data, err := os.ReadFile(filepath.Join(s.BaseDir(), "nested", "b.avif"))
	require.NoError(t, err)
	assert.Equal(t, "avif-bytes", string(data))

	// No temp files survive the publish.
	entries, err := os.ReadDir(filepath.Join(s.BaseDir(), "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

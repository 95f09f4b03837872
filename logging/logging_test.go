package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDisabled(t *testing.T) {
	t.Setenv(DebugEnv, "")
	dir := t.TempDir()

	path, err := Initialize(false, dir, 10)
	require.NoError(t, err)
	assert.Empty(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInitializeWritesJSONFile(t *testing.T) {
	t.Setenv(DebugEnv, "")
	dir := filepath.Join(t.TempDir(), "logs")

	path, err := Initialize(true, dir, 10)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	Logger.Info("hello", "session_id", "s1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"session_id":"s1"`)
}

func TestRotateLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "keep.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}

	require.NoError(t, rotateLogs(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, "c.log keep.txt", strings.Join(names, " "))
}

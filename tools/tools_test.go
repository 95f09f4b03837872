package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/tools/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, mutate func(*config.Config)) (*ToolRegistry, context.Context, string) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	dir := t.TempDir()
	return NewToolRegistry(cfg, nil), WithWorkDir(context.Background(), dir), dir
}

func TestReadWriteRelativeToWorkDir(t *testing.T) {
	r, ctx, dir := newRegistry(t, nil)

	res, err := r.Execute(ctx, "write_file", map[string]any{"path": "sub/notes.txt", "content": "hello"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// aliases and alternative argument names
	res, err = r.Execute(ctx, "Read", map[string]any{"file_path": "sub/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
}

func TestHiddenAndReadOnlyPaths(t *testing.T) {
	r, ctx, dir := newRegistry(t, func(c *config.Config) {
		c.FilesystemAccess.ReadOnly = []string{"vendor/**"}
	})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, config.DirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DirName, "secret"), []byte("x"), 0644))

	res, err := r.Execute(ctx, "read_file", map[string]any{"path": filepath.Join(config.DirName, "secret")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolExecution))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "hidden")

	_, err = r.Execute(ctx, "write_file", map[string]any{"path": "vendor/lib.go", "content": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")

	res, err = r.Execute(ctx, "list_directory", nil)
	require.NoError(t, err)
	assert.NotContains(t, res.Output, config.DirName)
}

func TestSearchFiles(t *testing.T) {
	r, ctx, dir := newRegistry(t, nil)
	for _, p := range []string{"a.go", "pkg/b.go", "pkg/c.txt"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, nil, 0644))
	}

	res, err := r.Execute(ctx, "Glob", map[string]any{"pattern": "**/*.go"})
	require.NoError(t, err)
	assert.Equal(t, "a.go\npkg/b.go", res.Output)

	res, err = r.Execute(ctx, "search_files", map[string]any{"pattern": "*.md"})
	require.NoError(t, err)
	assert.Equal(t, "No files found.", res.Output)

	_, err = r.Execute(ctx, "search_files", map[string]any{"pattern": "[unclosed"})
	assert.Error(t, err)
}

func TestExecuteCommand(t *testing.T) {
	r, ctx, dir := newRegistry(t, func(c *config.Config) {
		c.AllowedCommands = []string{"^pwd$", "^echo .*"}
	})

	res, err := r.Execute(ctx, "Bash", map[string]any{"command": "echo hello world"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "hello world")

	res, err = r.Execute(ctx, "execute_command", map[string]any{"command": "pwd"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, filepath.Base(dir))

	_, err = r.Execute(ctx, "execute_command", map[string]any{"command": "rm -rf /"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the list of allowed commands")
}

func TestExecuteCommandReportsExitCode(t *testing.T) {
	r, ctx, _ := newRegistry(t, func(c *config.Config) {
		c.AllowedCommands = []string{"^false$"}
	})

	res, err := r.Execute(ctx, "Bash", map[string]any{"command": "false"})
	require.Error(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "command failed")
	code, ok := errors.ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestExecuteCommandTimesOut(t *testing.T) {
	r, ctx, _ := newRegistry(t, func(c *config.Config) {
		c.AllowedCommands = []string{"^sleep "}
	})

	start := time.Now()
	_, err := r.Execute(ctx, "Bash", map[string]any{"command": "sleep 5", "timeout": float64(100)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 100ms")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommandTimeout(t *testing.T) {
	assert.Equal(t, defaultCommandTimeout, commandTimeout(map[string]any{}))
	assert.Equal(t, defaultCommandTimeout, commandTimeout(map[string]any{"timeout": "soon"}))
	assert.Equal(t, 1500*time.Millisecond, commandTimeout(map[string]any{"timeout": float64(1500)}))
	assert.Equal(t, maxCommandTimeout, commandTimeout(map[string]any{"timeout": float64(3_600_000)}))
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", truncateOutput("short", 10))

	out := truncateOutput(strings.Repeat("a", 10)+strings.Repeat("b", 10), 10)
	assert.True(t, strings.HasPrefix(out, "aaaaa\n"))
	assert.True(t, strings.HasSuffix(out, "\nbbbbb"))
	assert.Contains(t, out, "[10 bytes omitted]")
}

func TestUnknownTool(t *testing.T) {
	r, ctx, _ := newRegistry(t, nil)
	res, err := r.Execute(ctx, "does_not_exist", nil)
	assert.True(t, errors.Is(err, errors.ErrToolNotFound))
	assert.True(t, res.IsError)
}

func TestIsCommandAllowed(t *testing.T) {
	tests := []struct {
		name    string
		command string
		allowed []string
		want    bool
	}{
		{"exact regex", "ls -la", []string{"^ls"}, true},
		{"no match", "cat /etc/passwd", []string{"^ls"}, false},
		{"empty command", "  ", []string{".*"}, false},
		{"invalid regex falls back to equality", "a(b", []string{"a(b"}, true},
		{"empty allowlist", "ls", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isCommandAllowed(tt.command, tt.allowed, logging.Logger))
		})
	}
}

func TestMCPNames(t *testing.T) {
	name := mcp.QualifiedName("gopls", "definition")
	assert.Equal(t, "mcp__gopls__definition", name)

	server, tool, ok := mcp.SplitName(name)
	require.True(t, ok)
	assert.Equal(t, "gopls", server)
	assert.Equal(t, "definition", tool)

	_, _, ok = mcp.SplitName("read_file")
	assert.False(t, ok)
	_, _, ok = mcp.SplitName("mcp__onlyserver")
	assert.False(t, ok)
}

func TestConnectMCPSkipsBrokenServers(t *testing.T) {
	r, ctx, dir := newRegistry(t, nil)
	before := r.Names()
	r.ConnectMCP(ctx, []config.MCPServer{{Name: "broken", Command: filepath.Join(dir, "no-such-server")}})
	assert.Equal(t, before, r.Names())
	assert.NoError(t, r.Close())
}

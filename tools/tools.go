package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/tools/mcp"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Result is the outcome of one tool invocation as it is reported back to the
// model.
type Result struct {
	Output  string
	IsError bool
}

// Executor runs tools requested by the model. Execution is not bounded by a
// timeout; it ends when the tool returns or ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
}

type workDirKey struct{}

// WithWorkDir returns a context whose tool invocations resolve relative paths
// and run commands in dir.
func WithWorkDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workDirKey{}, dir)
}

// WorkDir returns the directory set by WithWorkDir, or "".
func WorkDir(ctx context.Context) string {
	dir, _ := ctx.Value(workDirKey{}).(string)
	return dir
}

func resolvePath(ctx context.Context, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if dir := WorkDir(ctx); dir != "" {
		return filepath.Join(dir, path)
	}
	return filepath.Clean(path)
}

// ToolRegistry holds all available tools and implements Executor.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	aliases    map[string]string
	mcpClients map[string]*mcp.MCPClient
	logger     *slog.Logger
}

var _ Executor = (*ToolRegistry)(nil)

func NewToolRegistry(cfg *config.Config, logger *slog.Logger) *ToolRegistry {
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		aliases:    make(map[string]string),
		mcpClients: make(map[string]*mcp.MCPClient),
		logger:     logging.Or(logger),
	}

	fs := &cfg.FilesystemAccess
	r.Register(&ReadFileTool{fsAccess: fs}, "Read")
	r.Register(&WriteFileTool{fsAccess: fs}, "Write")
	r.Register(&ListDirectoryTool{fsAccess: fs}, "LS")
	r.Register(&GlobTool{fsAccess: fs}, "Glob")
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands, logger: r.logger}, "Bash")
	return r
}

// Register adds t under its name and the given aliases.
func (r *ToolRegistry) Register(t Tool, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	for _, a := range aliases {
		r.aliases[a] = t.Name()
	}
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool. A failing tool yields a Result flagged
// IsError together with an error wrapping errors.ErrToolExecution.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	t, ok := r.GetTool(name)
	if !ok {
		err := errors.Wrapf(errors.ErrToolNotFound, "tool %q", name)
		return Result{Output: fmt.Sprintf("Tool %q is not available.", name), IsError: true}, err
	}
	if args == nil {
		args = map[string]any{}
	}

	r.logger.Debug("executing tool", "tool", name, "work_dir", WorkDir(ctx))
	out, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Info("tool failed", "tool", name, "error", err)
		return Result{Output: err.Error(), IsError: true}, errors.Wrapf(errors.Join(errors.ErrToolExecution, err), "tool %q", name)
	}
	return Result{Output: out}, nil
}

// ConnectMCP starts every configured MCP server and registers its tools as
// mcp__<server>__<tool>. Servers that fail to start are logged and skipped.
func (r *ToolRegistry) ConnectMCP(ctx context.Context, servers []config.MCPServer) {
	for _, server := range servers {
		client, err := mcp.NewMCPClient(ctx, server.Name, server.Command, server.Args, r.logger)
		if err != nil {
			r.logger.Error("failed to start MCP server", "server", server.Name, "error", err)
			continue
		}
		r.mu.Lock()
		r.mcpClients[server.Name] = client
		r.mu.Unlock()
		for _, t := range client.Tools() {
			r.Register(t)
		}
	}
}

// Close stops every MCP server.
func (r *ToolRegistry) Close() error {
	r.mu.Lock()
	clients := r.mcpClients
	r.mcpClients = make(map[string]*mcp.MCPClient)
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// checkAccess resolves path and rejects hidden paths, and read-only ones
// when write is set.
func checkAccess(ctx context.Context, fsAccess *config.FilesystemAccess, path string, write bool) (string, error) {
	resolved := resolvePath(ctx, path)
	rel := resolved
	if dir := WorkDir(ctx); dir != "" {
		if r, err := filepath.Rel(dir, resolved); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	hidden, err := isPathRestricted(rel, fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	if !write {
		return resolved, nil
	}
	readOnly, err := isPathRestricted(rel, fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}
	return resolved, nil
}

// CheckRead resolves path against the work dir in ctx and rejects it when
// it matches a hidden pattern.
func CheckRead(ctx context.Context, fsAccess *config.FilesystemAccess, path string) (string, error) {
	return checkAccess(ctx, fsAccess, path, false)
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string, logger *slog.Logger) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// stringArg returns the first non-empty string argument among keys.
func stringArg(args map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/m4xw311/claude-acp/errors"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxCommandTimeout     = 10 * time.Minute
	// maxCommandOutput bounds the output handed back to the model.
	maxCommandOutput = 30000
)

// ExecuteCommandTool runs an allowlisted command in the work dir. The
// command is split on whitespace and never passed to a shell.
type ExecuteCommandTool struct {
	allowedCommands []string
	logger          *slog.Logger
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	var b strings.Builder
	b.WriteString("Runs a command in the session directory without a shell. Args: command (string), timeout (milliseconds, optional, at most 600000).")
	if len(t.allowedCommands) == 0 {
		b.WriteString("\nNo commands are currently allowed.")
		return b.String()
	}
	b.WriteString("\nAllowed command patterns:")
	for _, pattern := range t.allowedCommands {
		fmt.Fprintf(&b, "\n- %s", pattern)
	}
	return b.String()
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := stringArg(args, "command", "cmd")
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}
	if !isCommandAllowed(command, t.allowedCommands, t.logger) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	timeout := commandTimeout(args)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(command)
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = WorkDir(ctx)
	// children that keep the output pipe open must not hang the call
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	out := truncateOutput(string(output), maxCommandOutput)
	t.logger.Debug("command finished", "command", parts[0], "duration", time.Since(start), "bytes", len(output), "error", err)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return "", errors.New("command timed out after %s. Output:\n%s", timeout, out)
	case err != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", errors.Wrapf(&errors.ExitError{Code: code, Err: err}, "command failed. Output:\n%s", out)
	}
	return "Command executed successfully. Output:\n" + out, nil
}

// commandTimeout reads the optional timeout argument, in milliseconds.
func commandTimeout(args map[string]interface{}) time.Duration {
	var ms float64
	switch v := args["timeout"].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	}
	if ms <= 0 {
		return defaultCommandTimeout
	}
	return min(time.Duration(ms)*time.Millisecond, maxCommandTimeout)
}

// truncateOutput keeps the head and tail of s when it is longer than n.
func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	head, tail := n/2, n-n/2
	return fmt.Sprintf("%s\n... [%d bytes omitted] ...\n%s", s[:head], len(s)-n, s[len(s)-tail:])
}

// Package mcp exposes the tools of external MCP servers to the tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/claude-acp/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolPrefix starts the name of every MCP tool, so permission rules can
// match all of them with "mcp__*".
const ToolPrefix = "mcp__"

// QualifiedName returns the registry name of tool on server.
func QualifiedName(server, tool string) string {
	return ToolPrefix + server + "__" + tool
}

// SplitName is the inverse of QualifiedName.
func SplitName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, ToolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, "__")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  map[string]*MCPTool // keyed by the server's own tool name
	logger *slog.Logger
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server.
func NewMCPClient(ctx context.Context, name, command string, args []string, logger *slog.Logger) (*MCPClient, error) {
	cmd := exec.Command(command, args...)
	// stdout carries the MCP stream; stderr is free for diagnostics
	cmd.Stderr = os.Stderr
	client, err := Connect(ctx, name, mcpsdk.NewCommandTransport(cmd), logger)
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, err
	}
	client.cmd = cmd
	return client, nil
}

// Connect opens a client session over transport and discovers its tools.
func Connect(ctx context.Context, name string, transport mcpsdk.Transport, logger *slog.Logger) (*MCPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "claude-acp", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, transport)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &MCPClient{
		Name:   name,
		conn:   conn,
		tools:  make(map[string]*MCPTool),
		logger: logger,
	}
	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}

		for _, t := range toolList.Tools {
			client.tools[t.Name] = &MCPTool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				client:      client,
			}
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	logger.Info("initialized MCP client", "server", name, "tools", len(client.tools))
	return client, nil
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	tool, ok := c.tools[toolName]
	return tool, ok
}

// Tools returns every discovered tool, ordered by name.
func (c *MCPClient) Tools() []*MCPTool {
	list := make([]*MCPTool, 0, len(c.tools))
	for _, t := range c.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].toolName < list[j].toolName })
	return list
}

// Stop closes the session and terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", "server", c.Name)
		err := c.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

// MCPTool represents a tool available from an external MCP server.
// It is designed to satisfy the `tools.Tool` interface from the parent package.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	client      *MCPClient // Reference back to the client managing the connection.
}

// Name returns the qualified registry name, mcp__<server>__<tool>.
func (t *MCPTool) Name() string {
	return QualifiedName(t.serverName, t.toolName)
}

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

// Execute sends the command and arguments to the MCP server and returns the result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var op strings.Builder
	for _, c := range result.Content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			op.WriteString(c.Text)
		default:
			fmt.Fprintf(&op, "[%T content omitted]", c)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.Name(), op.String())
	}
	return op.String(), nil
}

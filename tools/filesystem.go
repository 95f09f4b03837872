package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := stringArg(args, "path", "file_path")
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	resolved, err := checkAccess(ctx, t.fsAccess, path, false)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := stringArg(args, "path", "file_path")
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	resolved, err := checkAccess(ctx, t.fsAccess, path, true)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create parent directory of '%s'", path)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// ListDirectoryTool lists the entries of a directory, hiding hidden paths.
type ListDirectoryTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists the entries of a directory. Directories end with '/'. Args: path (string, default '.')."
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		path = "."
	}
	resolved, err := checkAccess(ctx, t.fsAccess, path, false)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", path)
	}
	var lines []string
	for _, e := range entries {
		if _, err := checkAccess(ctx, t.fsAccess, filepath.Join(path, e.Name()), false); err != nil {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	return strings.Join(lines, "\n"), nil
}

// GlobTool finds files below the working directory matching a doublestar
// pattern.
type GlobTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *GlobTool) Name() string { return "search_files" }
func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern such as '**/*.go'. Args: pattern (string), path (string, default '.')."
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, ok := stringArg(args, "pattern")
	if !ok {
		return "", errors.New("missing or invalid 'pattern' argument")
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", errors.New("invalid glob pattern '%s'", pattern)
	}
	root, ok := stringArg(args, "path")
	if !ok {
		root = "."
	}
	resolved, err := checkAccess(ctx, t.fsAccess, root, false)
	if err != nil {
		return "", err
	}

	matches, err := doublestar.Glob(os.DirFS(resolved), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", errors.Wrapf(err, "failed to search '%s'", root)
	}
	var visible []string
	for _, m := range matches {
		if _, err := checkAccess(ctx, t.fsAccess, filepath.Join(root, filepath.FromSlash(m)), false); err != nil {
			continue
		}
		visible = append(visible, m)
	}
	sort.Strings(visible)
	if len(visible) == 0 {
		return "No files found.", nil
	}
	return strings.Join(visible, "\n"), nil
}

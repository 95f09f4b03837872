package agent

import (
	"fmt"
	"strings"

	"github.com/m4xw311/claude-acp/tools/mcp"
)

var kindKeywords = []struct {
	kind     ToolKind
	keywords []string
}{
	{KindThink, []string{"think", "todo", "plan"}},
	{KindDelete, []string{"delete", "remove", "unlink", "rm"}},
	{KindMove, []string{"move", "rename", "mv"}},
	{KindEdit, []string{"write", "edit", "create", "patch", "replace", "update"}},
	{KindRead, []string{"read", "view", "cat", "open", "get_file"}},
	{KindSearch, []string{"search", "grep", "glob", "find", "list", "ls"}},
	{KindExecute, []string{"bash", "execute", "command", "shell", "run", "exec"}},
	{KindFetch, []string{"fetch", "web", "http", "url", "download"}},
}

// ClassifyKind derives the kind of a tool from its name. MCP tools are
// classified by their server-side name.
func ClassifyKind(toolName string) ToolKind {
	name := toolName
	if _, tool, ok := mcp.SplitName(toolName); ok {
		name = tool
	}
	words := splitWords(name)
	for _, k := range kindKeywords {
		for _, kw := range k.keywords {
			for _, w := range words {
				if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
					return k.kind
				}
			}
			if strings.Contains(kw, "_") && strings.Contains(strings.ToLower(name), kw) {
				return k.kind
			}
		}
	}
	return KindOther
}

// splitWords lowercases name and splits it on underscores, dashes, dots and
// camel case boundaries: "MultiEdit" -> [multi edit].
func splitWords(name string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	prevLower := false
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
			prevLower = false
			continue
		case r >= 'A' && r <= 'Z':
			if prevLower {
				flush()
			}
			prevLower = false
			r += 'a' - 'A'
		default:
			prevLower = r >= 'a' && r <= 'z'
		}
		cur.WriteRune(r)
	}
	flush()
	return words
}

var pathKeys = []string{"path", "file_path", "filePath", "notebook_path", "source", "destination"}

// Locations returns the files named in a tool call's arguments.
func Locations(args map[string]any) []Location {
	line := intArg(args, "line", "offset", "start_line")
	var locs []Location
	seen := make(map[string]bool)
	for _, k := range pathKeys {
		p, ok := args[k].(string)
		if !ok || p == "" || seen[p] {
			continue
		}
		seen[p] = true
		locs = append(locs, Location{Path: p, Line: line})
	}
	return locs
}

func intArg(args map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := args[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

// Title is a short human-readable description of a tool call.
func Title(toolName string, args map[string]any) string {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	kind := ClassifyKind(toolName)
	path := str(pathKeys...)
	switch kind {
	case KindRead:
		if path != "" {
			return "Read " + path
		}
	case KindEdit:
		if path != "" {
			return "Edit " + path
		}
	case KindDelete:
		if path != "" {
			return "Delete " + path
		}
	case KindMove:
		if src, dst := str("source", "from"), str("destination", "to"); src != "" && dst != "" {
			return fmt.Sprintf("Move %s to %s", src, dst)
		}
	case KindSearch:
		if pattern := str("pattern", "query"); pattern != "" {
			return fmt.Sprintf("Search %q", pattern)
		}
		if path != "" {
			return "List " + path
		}
	case KindExecute:
		if cmd := str("command", "cmd"); cmd != "" {
			return "Run " + shorten(cmd, 80)
		}
	case KindFetch:
		if url := str("url", "uri"); url != "" {
			return "Fetch " + url
		}
	}
	return toolName
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

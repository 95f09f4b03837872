package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		tool string
		want ToolKind
	}{
		{"Read", KindRead},
		{"read_file", KindRead},
		{"Write", KindEdit},
		{"MultiEdit", KindEdit},
		{"NotebookEdit", KindEdit},
		{"delete_file", KindDelete},
		{"move_file", KindMove},
		{"Glob", KindSearch},
		{"Grep", KindSearch},
		{"LS", KindSearch},
		{"list_directory", KindSearch},
		{"Bash", KindExecute},
		{"execute_command", KindExecute},
		{"WebFetch", KindFetch},
		{"TodoWrite", KindThink},
		{"mcp__github__get_file_contents", KindRead},
		{"mcp__gopls__definition", KindOther},
		{"frobnicate", KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyKind(tt.tool))
		})
	}
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"multi", "edit"}, splitWords("MultiEdit"))
	assert.Equal(t, []string{"ls"}, splitWords("LS"))
	assert.Equal(t, []string{"get", "file", "contents"}, splitWords("get_file-contents"))
}

func TestLocations(t *testing.T) {
	locs := Locations(map[string]any{"file_path": "main.go", "offset": float64(12)})
	assert.Equal(t, []Location{{Path: "main.go", Line: 12}}, locs)

	locs = Locations(map[string]any{"source": "a.txt", "destination": "b.txt"})
	assert.Equal(t, []Location{{Path: "a.txt"}, {Path: "b.txt"}}, locs)

	assert.Empty(t, Locations(map[string]any{"command": "ls"}))
	assert.Empty(t, Locations(nil))
}

func TestTitle(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"Read", map[string]any{"file_path": "main.go"}, "Read main.go"},
		{"Edit", map[string]any{"file_path": "main.go"}, "Edit main.go"},
		{"delete_file", map[string]any{"path": "old.txt"}, "Delete old.txt"},
		{"move_file", map[string]any{"source": "a", "destination": "b"}, "Move a to b"},
		{"Grep", map[string]any{"pattern": "TODO"}, `Search "TODO"`},
		{"list_directory", map[string]any{"path": "src"}, "List src"},
		{"Bash", map[string]any{"command": "go   test\n ./..."}, "Run go test ./..."},
		{"WebFetch", map[string]any{"url": "https://go.dev"}, "Fetch https://go.dev"},
		{"Read", nil, "Read"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.tool, tt.args))
		})
	}

	long := Title("Bash", map[string]any{"command": strings.Repeat("x", 100)})
	assert.Equal(t, strings.Repeat("x", 80)+"...", long)
}

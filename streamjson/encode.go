package streamjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/claude-acp/errors"
)

type inputLine struct {
	Type    string       `json:"type"`
	Message inputMessage `json:"message"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type textPart struct {
	Type   string        `json:"type"`
	Text   string        `json:"text"`
	Source *sourceMarker `json:"acp_source,omitempty"`
}

// sourceMarker records which block a text approximation stands for.
type sourceMarker struct {
	Type     string `json:"type"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type imagePart struct {
	Type   string      `json:"type"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type toolResultPart struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolResult is the outcome of one tool call, returned to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// EncodePrompt serializes blocks into a single stream-json input line,
// without the trailing newline. Block order is preserved.
func EncodePrompt(blocks []ContentBlock, role Role) ([]byte, error) {
	switch role {
	case RoleUser, RoleAssistant:
	default:
		return nil, errors.New("unknown role %q", role)
	}
	parts := make([]any, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, encodeBlock(b))
	}
	return marshalLine(inputLine{
		Type:    string(role),
		Message: inputMessage{Role: string(role), Content: parts},
	})
}

// EncodeToolResults serializes tool results into a single user line carrying
// one tool_result block per result, in the given order.
func EncodeToolResults(results []ToolResult) ([]byte, error) {
	if len(results) == 0 {
		return nil, errors.New("no tool results to encode")
	}
	parts := make([]any, 0, len(results))
	for _, r := range results {
		parts = append(parts, toolResultPart{
			Type:      "tool_result",
			ToolUseID: r.ToolUseID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	return marshalLine(inputLine{
		Type:    string(RoleUser),
		Message: inputMessage{Role: string(RoleUser), Content: parts},
	})
}

func marshalLine(v inputLine) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s line", v.Type)
	}
	return data, nil
}

func encodeBlock(b ContentBlock) any {
	switch b.Type {
	case BlockText:
		return textPart{Type: "text", Text: b.Text}
	case BlockImage:
		if b.Data != "" {
			return imagePart{Type: "image", Source: imageSource{Type: "base64", MediaType: b.MimeType, Data: b.Data}}
		}
		if b.URI != "" {
			return imagePart{Type: "image", Source: imageSource{Type: "url", URL: b.URI}}
		}
	}
	marker := &sourceMarker{Type: b.Type, URI: b.URI, MimeType: b.MimeType}
	if b.Resource != nil {
		marker.URI = b.Resource.URI
		marker.MimeType = b.Resource.MimeType
	}
	return textPart{Type: "text", Text: approximate(b), Source: marker}
}

// approximate renders a block with no direct stream-json form as text.
func approximate(b ContentBlock) string {
	var sb strings.Builder
	switch b.Type {
	case BlockResourceLink:
		fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
		if b.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", b.Title)
		}
		if b.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", b.Description)
		}
		fmt.Fprintf(&sb, "URI: %s\n", b.URI)
		if b.MimeType != "" {
			fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
		}
		if b.Size != nil {
			fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
		}
		sb.WriteString("=== End Resource ===\n")
	case BlockResource:
		if b.Resource == nil {
			sb.WriteString("[Embedded resource without content]")
			break
		}
		fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Resource.URI)
		if b.Resource.MimeType != "" {
			fmt.Fprintf(&sb, "Type: %s\n", b.Resource.MimeType)
		}
		if b.Resource.Text != "" {
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", b.Resource.Text)
		} else {
			fmt.Fprintf(&sb, "\n[Binary content, %d base64 bytes]\n", len(b.Resource.Blob))
		}
		sb.WriteString("=== End Resource ===\n")
	case BlockImage:
		sb.WriteString("[Image without data]")
	case BlockAudio:
		fmt.Fprintf(&sb, "[Audio clip (%s), %d base64 bytes]", b.MimeType, len(b.Data))
	default:
		fmt.Fprintf(&sb, "[Unsupported content block %q]", b.Type)
		if b.Text != "" {
			fmt.Fprintf(&sb, "\n%s", b.Text)
		}
	}
	return sb.String()
}

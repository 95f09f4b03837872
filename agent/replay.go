package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/claude-acp/session"
	"github.com/m4xw311/claude-acp/streamjson"
)

// A model process only knows what it was sent. When a session moves to a
// process that has not served it (first turn after a restart, after a
// cancelled turn or after a crash), the persisted history and the progress
// of the current turn are folded into the prompt it receives first.

const (
	historyHeader  = "[conversation history]\nThe model process was restarted. These are the earlier messages of this session, oldest first:"
	historyFooter  = "[end of conversation history]"
	progressHeader = "[turn progress]\nWhile answering the prompt above, the previous model process produced the following before it stopped:"
	progressFooter = "[end of turn progress]\nThe tool calls above already ran; do not repeat them. Continue the turn from here."
)

// replayPrompt returns prompt preceded by the transcript of prior and
// followed by the exchange already made in this turn. With no prior history
// and no exchange it is prompt unchanged.
func replayPrompt(prior []session.Message, prompt []streamjson.ContentBlock, exchange []string) []streamjson.ContentBlock {
	blocks := make([]streamjson.ContentBlock, 0, len(prompt)+2)
	if len(prior) > 0 {
		blocks = append(blocks, streamjson.TextBlock(transcript(prior)))
	}
	blocks = append(blocks, prompt...)
	if len(exchange) > 0 {
		var b strings.Builder
		b.WriteString(progressHeader)
		for _, e := range exchange {
			b.WriteString("\n\n")
			b.WriteString(e)
		}
		b.WriteString("\n\n")
		b.WriteString(progressFooter)
		blocks = append(blocks, streamjson.TextBlock(b.String()))
	}
	return blocks
}

func transcript(history []session.Message) string {
	var b strings.Builder
	b.WriteString(historyHeader)
	for _, m := range history {
		fmt.Fprintf(&b, "\n\n[%s]\n%s", m.Role, m.Content)
	}
	b.WriteString("\n\n")
	b.WriteString(historyFooter)
	return b.String()
}

// assistantEntry records model text of a completed round.
func assistantEntry(text string) string {
	return "[assistant]\n" + text
}

// toolEntry records one tool call of a completed round and its result.
func toolEntry(req streamjson.ToolUseRequest, res streamjson.ToolResult) string {
	input, err := json.Marshal(req.Arguments)
	if err != nil {
		input = []byte("{}")
	}
	status := "tool_result"
	if res.IsError {
		status = "tool_result error"
	}
	return fmt.Sprintf("[tool_use %s] %s %s\n[%s %s]\n%s", res.ToolUseID, req.Name, input, status, res.ToolUseID, res.Content)
}

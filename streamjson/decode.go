package streamjson

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decoder decodes output lines. The zero value expects complete assistant
// messages only.
type Decoder struct {
	// Partial enables decoding of stream_event text deltas, produced when the
	// model runs with partial messages enabled. In that mode the text of
	// complete assistant messages is not emitted again.
	Partial bool
}

// Decode decodes line with the zero Decoder.
func Decode(line []byte) []Event {
	return Decoder{}.Decode(line)
}

// DecodeEvent returns the first event of line, or nil when the line carries
// no semantic content.
func DecodeEvent(line []byte) Event {
	events := Decode(line)
	if len(events) == 0 {
		return nil
	}
	return events[0]
}

type envelope struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	Message      json.RawMessage `json:"message"`
	Event        json.RawMessage `json:"event"`
	Result       json.RawMessage `json:"result"`
	IsError      bool            `json:"is_error"`
	StopReason   string          `json:"stop_reason"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	DurationMS   int             `json:"duration_ms"`
	Usage        *usage          `json:"usage"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Error        json.RawMessage `json:"error"`
}

type usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

type assistantMessage struct {
	Model   string         `json:"model"`
	Content []contentEntry `json:"content"`
	Usage   *usage         `json:"usage"`
}

type contentEntry struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

// Decode maps one output line to its events in emission order. It returns
// nil for blank lines and for records with no semantic content such as
// system, echo or keep-alive records.
func (d Decoder) Decode(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return malformed(line, "invalid JSON: "+err.Error())
	}
	if env.Type == "" {
		return malformed(line, "missing type field")
	}

	switch env.Type {
	case "assistant":
		return d.decodeAssistant(line, env)
	case "result":
		return decodeResult(env)
	case "error":
		return []Event{EndOfTurn{StopReason: StopError, Err: errorText(env.Error, env.Message)}}
	case "stream_event":
		if !d.Partial {
			return nil
		}
		return decodeStreamEvent(line, env)
	default:
		// system, user echoes, keep_alive and unknown record types.
		return nil
	}
}

func (d Decoder) decodeAssistant(line []byte, env envelope) []Event {
	if len(env.Message) == 0 {
		return malformed(line, "assistant record without message")
	}
	var msg assistantMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return malformed(line, "invalid assistant message: "+err.Error())
	}

	var events []Event
	for _, c := range msg.Content {
		switch c.Type {
		case "text":
			if c.Text != "" && !d.Partial {
				events = append(events, TextChunk{Text: c.Text})
			}
		case "thinking":
			if c.Thinking != "" && !d.Partial {
				events = append(events, TextChunk{Text: c.Thinking, Thinking: true})
			}
		case "tool_use":
			ev, reason := toolUse(c)
			if reason != "" {
				events = append(events, Malformed{Raw: string(line), Err: reason})
				continue
			}
			events = append(events, ev)
		}
	}

	meta := usageMetadata(msg.Usage)
	meta.Model = msg.Model
	if meta.InputTokens != 0 || meta.OutputTokens != 0 {
		events = append(events, meta)
	}
	return events
}

func toolUse(c contentEntry) (ToolUseRequest, string) {
	if c.ID == "" || c.Name == "" {
		return ToolUseRequest{}, "tool_use block without id or name"
	}
	req := ToolUseRequest{ID: c.ID, Name: c.Name, Arguments: map[string]any{}}
	raw := bytes.TrimSpace(c.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		req.RawArguments = json.RawMessage("{}")
		return req, ""
	}
	if err := json.Unmarshal(raw, &req.Arguments); err != nil {
		return ToolUseRequest{}, "tool_use input is not an object: " + err.Error()
	}
	req.RawArguments = append(json.RawMessage(nil), raw...)
	return req, ""
}

func decodeResult(env envelope) []Event {
	meta := usageMetadata(env.Usage)
	meta.CostUSD = env.TotalCostUSD
	meta.DurationMS = env.DurationMS
	meta.SessionID = env.SessionID
	meta.Model = env.Model

	end := EndOfTurn{StopReason: StopEndTurn}
	var result string
	if len(env.Result) > 0 && json.Unmarshal(env.Result, &result) == nil {
		end.Result = result
	}
	switch {
	case env.IsError || strings.HasPrefix(env.Subtype, "error"):
		end.StopReason = StopError
		end.Err = result
		if end.Err == "" {
			end.Err = errorText(env.Error, nil)
		}
		if end.Err == "" {
			end.Err = env.Subtype
		}
	case env.StopReason == string(StopRefusal):
		end.StopReason = StopRefusal
	case env.StopReason == string(StopMaxTokens):
		end.StopReason = StopMaxTokens
	}

	if meta.IsZero() {
		return []Event{end}
	}
	return []Event{meta, end}
}

func decodeStreamEvent(line []byte, env envelope) []Event {
	if len(env.Event) == 0 {
		return malformed(line, "stream_event without event")
	}
	var ev streamEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return malformed(line, "invalid stream_event: "+err.Error())
	}
	if ev.Type != "content_block_delta" {
		return nil
	}
	switch ev.Delta.Type {
	case "text_delta":
		if ev.Delta.Text != "" {
			return []Event{TextChunk{Text: ev.Delta.Text}}
		}
	case "thinking_delta":
		if ev.Delta.Thinking != "" {
			return []Event{TextChunk{Text: ev.Delta.Thinking, Thinking: true}}
		}
	}
	// input_json_delta is superseded by the complete tool_use block.
	return nil
}

func usageMetadata(u *usage) Metadata {
	if u == nil {
		return Metadata{}
	}
	return Metadata{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}
}

// errorText extracts a message from an "error" field that is either a string
// or an object with a "message" field.
func errorText(fields ...json.RawMessage) string {
	for _, f := range fields {
		if len(f) == 0 {
			continue
		}
		var s string
		if json.Unmarshal(f, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(f, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return ""
}

func malformed(line []byte, reason string) []Event {
	return []Event{Malformed{Raw: string(line), Err: reason}}
}

package streamjson

import "encoding/json"

// Event is a decoded output record. The set of implementations is closed:
// TextChunk, ToolUseRequest, Metadata, EndOfTurn and Malformed.
type Event interface {
	isEvent()
}

// TextChunk is assistant text to stream to the client.
type TextChunk struct {
	Text string
	// Thinking marks reasoning text rather than the visible answer.
	Thinking bool
}

// ToolUseRequest asks the agent to run a tool and return its result.
type ToolUseRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
	// RawArguments is the input exactly as the model sent it.
	RawArguments json.RawMessage
}

// Metadata carries usage and cost information.
type Metadata struct {
	CostUSD             float64
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	DurationMS          int
	Model               string
	SessionID           string
}

// StopReason is the model-reported reason for ending a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopRefusal   StopReason = "refusal"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// EndOfTurn marks the structural end of the model's turn.
type EndOfTurn struct {
	StopReason StopReason
	// Result is the final text the model reported, if any.
	Result string
	// Err describes a failed turn when StopReason is StopError.
	Err string
}

// Malformed is a line that could not be decoded.
type Malformed struct {
	Raw string
	Err string
}

func (TextChunk) isEvent()      {}
func (ToolUseRequest) isEvent() {}
func (Metadata) isEvent()       {}
func (EndOfTurn) isEvent()      {}
func (Malformed) isEvent()      {}

// IsZero reports whether m carries no information.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Merge returns m with the non-zero fields of o applied on top.
func (m Metadata) Merge(o Metadata) Metadata {
	if o.CostUSD != 0 {
		m.CostUSD = o.CostUSD
	}
	if o.InputTokens != 0 {
		m.InputTokens = o.InputTokens
	}
	if o.OutputTokens != 0 {
		m.OutputTokens = o.OutputTokens
	}
	if o.CacheReadTokens != 0 {
		m.CacheReadTokens = o.CacheReadTokens
	}
	if o.CacheCreationTokens != 0 {
		m.CacheCreationTokens = o.CacheCreationTokens
	}
	if o.DurationMS != 0 {
		m.DurationMS = o.DurationMS
	}
	if o.Model != "" {
		m.Model = o.Model
	}
	if o.SessionID != "" {
		m.SessionID = o.SessionID
	}
	return m
}

package agent

import (
	"context"

	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/streamjson"
)

// ToolKind classifies what a tool call does. The set is closed.
type ToolKind int

const (
	KindOther ToolKind = iota
	KindRead
	KindEdit
	KindDelete
	KindMove
	KindSearch
	KindExecute
	KindFetch
	KindThink
)

func (k ToolKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindEdit:
		return "edit"
	case KindDelete:
		return "delete"
	case KindMove:
		return "move"
	case KindSearch:
		return "search"
	case KindExecute:
		return "execute"
	case KindFetch:
		return "fetch"
	case KindThink:
		return "think"
	}
	return "other"
}

// ToolStatus is the progress of a tool call.
type ToolStatus int

const (
	StatusPending ToolStatus = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s ToolStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further status change can follow.
func (s ToolStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Location is a file a tool call touches. Line is 0 when unknown.
type Location struct {
	Path string
	Line int
}

// ToolCallReport tracks one model-requested tool call through permission
// and execution.
type ToolCallReport struct {
	ID        string
	ToolName  string
	Title     string
	Kind      ToolKind
	Status    ToolStatus
	Locations []Location
	RawInput  map[string]any
	RawOutput string
}

// StopReason is why a turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopCancelled       StopReason = "cancelled"
	StopRefusal         StopReason = "refusal"
	StopError           StopReason = "error"
)

// TurnMeta describes a finished turn.
type TurnMeta struct {
	TurnRequests    uint    `json:"turn_requests"`
	MaxTurnRequests uint    `json:"max_turn_requests"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	InputTokens     int     `json:"input_tokens,omitempty"`
	OutputTokens    int     `json:"output_tokens,omitempty"`
	// ModelStopReason is the stop reason the model reported, when it differs
	// from the turn's.
	ModelStopReason string `json:"model_stop_reason,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TurnResult is the structured outcome of RunTurn.
type TurnResult struct {
	StopReason StopReason
	Meta       TurnMeta
}

// Update is an incremental change streamed to the client while a turn runs.
// The set of implementations is closed: MessageChunk, ToolCallStarted,
// ToolCallProgress and UsageUpdate.
type Update interface {
	isUpdate()
}

// MessageChunk is assistant text.
type MessageChunk struct {
	Text     string
	Thinking bool
}

// ToolCallStarted announces a new tool call in StatusPending.
type ToolCallStarted struct {
	Report ToolCallReport
}

// ToolCallProgress reports a status change of an announced tool call.
type ToolCallProgress struct {
	Report ToolCallReport
}

// UsageUpdate carries token and cost figures as the model reports them.
type UsageUpdate struct {
	Usage streamjson.Metadata
}

func (MessageChunk) isUpdate()     {}
func (ToolCallStarted) isUpdate()  {}
func (ToolCallProgress) isUpdate() {}
func (UsageUpdate) isUpdate()      {}

// Notifier is the client side of a turn: it receives updates and answers
// permission requests.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, update Update) error
	permission.Asker
}

// State is a step of the turn state machine.
type State int

const (
	StateStart State = iota
	StateSendingPrompt
	StateAwaitingModelOutput
	StateToolGate
	StateAccumulating
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSendingPrompt:
		return "sending_prompt"
	case StateAwaitingModelOutput:
		return "awaiting_model_output"
	case StateToolGate:
		return "tool_gate"
	case StateAccumulating:
		return "accumulating"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

package permission

import (
	"context"
	"time"

	"github.com/m4xw311/claude-acp/errors"
)

// Risk is the classification of a tool invocation.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return "unknown"
}

// ParseRisk converts a configured risk name.
func ParseRisk(s string) (Risk, bool) {
	switch s {
	case "low":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	}
	return RiskHigh, false
}

// Outcome is the result of evaluating a tool call before asking anyone.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeDenied
	OutcomeAwaitingConsent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	case OutcomeAwaitingConsent:
		return "awaiting_consent"
	}
	return "unknown"
}

// Scope is how long a decision applies.
type Scope int

const (
	ScopeOnce Scope = iota
	ScopeSession
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeOnce:
		return "once"
	case ScopeSession:
		return "session"
	case ScopeGlobal:
		return "global"
	}
	return "unknown"
}

// Verdict is what a decision says about the matching tools.
type Verdict int

const (
	Granted Verdict = iota
	Denied
)

func (v Verdict) String() string {
	if v == Granted {
		return "granted"
	}
	return "denied"
}

// Decision is a remembered answer for tools matching ToolPattern.
type Decision struct {
	ToolPattern string
	Scope       Scope
	Verdict     Verdict
	// SessionID is set for ScopeSession decisions.
	SessionID string
	CreatedAt time.Time
}

// DecisionStore holds remembered decisions. Implementations must be safe for
// concurrent use.
type DecisionStore interface {
	// Lookup returns the decision that applies to toolName in sessionID,
	// preferring session decisions over global ones.
	Lookup(ctx context.Context, sessionID, toolName string) (Decision, bool, error)
	Save(ctx context.Context, d Decision) error
}

// Response is the client's answer to a permission request.
type Response int

const (
	ResponseGranted Response = iota
	ResponseDenied
	ResponseCancelled
)

func (r Response) String() string {
	switch r {
	case ResponseGranted:
		return "granted"
	case ResponseDenied:
		return "denied"
	case ResponseCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Consent is a resolved permission request.
type Consent struct {
	Response Response
	// Always asks for the answer to be remembered.
	Always bool
	// TimedOut is set when no answer arrived in time.
	TimedOut bool
}

// Err returns nil for a grant, ErrPermissionDenied for a denial and
// ErrPermissionCancelled otherwise.
func (c Consent) Err() error {
	switch c.Response {
	case ResponseGranted:
		return nil
	case ResponseDenied:
		return errors.ErrPermissionDenied
	}
	return errors.ErrPermissionCancelled
}

// Request is sent to the client when a tool call needs consent.
type Request struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Title      string
	Reason     string
	Risk       Risk
	Arguments  map[string]any
}

// Asker delivers a permission request to the user and waits for the answer.
type Asker interface {
	RequestPermission(ctx context.Context, req Request) (Consent, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, req Request) (Consent, error)

func (f AskerFunc) RequestPermission(ctx context.Context, req Request) (Consent, error) {
	return f(ctx, req)
}

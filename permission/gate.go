package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
)

// Rule assigns Risk to tool names matching Pattern, a doublestar glob.
type Rule struct {
	Pattern string
	Risk    Risk
}

// Evaluation is the outcome of Gate.Evaluate.
type Evaluation struct {
	Outcome Outcome
	Risk    Risk
	Reason  string
	// Decision is the remembered decision that settled the call, if any.
	Decision *Decision
}

// Gate decides whether tool calls may run.
type Gate struct {
	rules        []Rule
	mediumPolicy Outcome
	timeout      time.Duration
	timeoutDeny  bool
	alwaysScope  Scope
	store        DecisionStore
	logger       *slog.Logger
	now          func() time.Time
}

// NewGate builds a gate from the permissions configuration. Decisions are
// read from and saved to store.
func NewGate(cfg config.Permissions, store DecisionStore, logger *slog.Logger) (*Gate, error) {
	if store == nil {
		return nil, errors.New("permission gate requires a decision store")
	}
	g := &Gate{
		mediumPolicy: OutcomeAwaitingConsent,
		timeout:      cfg.Timeout,
		timeoutDeny:  cfg.TimeoutOutcome == "deny",
		alwaysScope:  ScopeSession,
		store:        store,
		logger:       logging.Or(logger),
		now:          time.Now,
	}
	switch cfg.MediumPolicy {
	case "allow":
		g.mediumPolicy = OutcomeAllowed
	case "deny":
		g.mediumPolicy = OutcomeDenied
	}
	if cfg.AlwaysScope == "global" {
		g.alwaysScope = ScopeGlobal
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = config.DefaultRules()
	}
	for _, r := range rules {
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, errors.New("invalid permission rule pattern %q", r.Pattern)
		}
		risk, ok := ParseRisk(r.Risk)
		if !ok {
			return nil, errors.New("invalid risk %q for rule %q", r.Risk, r.Pattern)
		}
		g.rules = append(g.rules, Rule{Pattern: r.Pattern, Risk: risk})
	}
	return g, nil
}

// Classify returns the risk of toolName. The first matching rule wins; tools
// no rule matches are high risk.
func (g *Gate) Classify(toolName string) Risk {
	for _, r := range g.rules {
		if ok, _ := doublestar.Match(r.Pattern, toolName); ok {
			return r.Risk
		}
	}
	return RiskHigh
}

// Evaluate decides a tool call without asking anyone. Remembered decisions
// take precedence over the rule table.
func (g *Gate) Evaluate(ctx context.Context, sessionID, toolName string, args map[string]any) Evaluation {
	ev := Evaluation{Risk: g.Classify(toolName), Reason: Reason(toolName, args)}

	d, ok, err := g.store.Lookup(ctx, sessionID, toolName)
	if err != nil {
		g.logger.Warn("permission store lookup failed", "session_id", sessionID, "tool", toolName, "error", err)
	}
	if ok {
		ev.Decision = &d
		ev.Outcome = OutcomeAllowed
		if d.Verdict == Denied {
			ev.Outcome = OutcomeDenied
		}
		return ev
	}

	switch ev.Risk {
	case RiskLow:
		ev.Outcome = OutcomeAllowed
	case RiskMedium:
		ev.Outcome = g.mediumPolicy
	default:
		ev.Outcome = OutcomeAwaitingConsent
	}
	return ev
}

// Resolve asks for consent and waits at most the configured timeout. A
// timeout yields ResponseCancelled, or ResponseDenied when configured so; it
// never yields ResponseGranted. Answers flagged Always are saved before
// Resolve returns. A non-nil error comes with ResponseCancelled.
func (g *Gate) Resolve(ctx context.Context, req Request, asker Asker) (Consent, error) {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type answer struct {
		consent Consent
		err     error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: errors.New("permission request panicked: %v", r)}
			}
		}()
		c, err := asker.RequestPermission(waitCtx, req)
		done <- answer{consent: c, err: err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-waitCtx.Done():
		a = answer{err: waitCtx.Err()}
	}
	if a.err != nil {
		switch {
		case ctx.Err() != nil:
			return Consent{Response: ResponseCancelled}, ctx.Err()
		case waitCtx.Err() != nil:
			g.logger.Warn("permission request timed out", "session_id", req.SessionID, "tool", req.ToolName, "timeout", g.timeout)
			if g.timeoutDeny {
				return Consent{Response: ResponseDenied, TimedOut: true}, nil
			}
			return Consent{Response: ResponseCancelled, TimedOut: true}, nil
		}
		return Consent{Response: ResponseCancelled}, errors.Wrapf(a.err, "permission request for %s", req.ToolName)
	}

	c := a.consent
	if c.Always && c.Response != ResponseCancelled {
		d := Decision{
			ToolPattern: req.ToolName,
			Scope:       g.alwaysScope,
			Verdict:     Granted,
			SessionID:   req.SessionID,
			CreatedAt:   g.now(),
		}
		if c.Response == ResponseDenied {
			d.Verdict = Denied
		}
		if err := g.store.Save(ctx, d); err != nil {
			g.logger.Warn("failed to save permission decision", "session_id", req.SessionID, "tool", req.ToolName, "error", err)
		}
	}
	return c, nil
}

// Reason summarizes a tool call for a human.
func Reason(toolName string, args map[string]any) string {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	if cmd := str("command", "cmd"); cmd != "" {
		return fmt.Sprintf("%s wants to run the command: %s", toolName, truncate(cmd, 200))
	}
	if url := str("url", "uri"); url != "" {
		return fmt.Sprintf("%s wants to fetch %s", toolName, url)
	}
	if path := str("path", "file_path", "filePath", "notebook_path"); path != "" {
		verb := "access"
		lower := strings.ToLower(toolName)
		switch {
		case strings.Contains(lower, "read"):
			verb = "read"
		case strings.Contains(lower, "write"), strings.Contains(lower, "edit"):
			verb = "modify"
		case strings.Contains(lower, "delete"), strings.Contains(lower, "remove"):
			verb = "delete"
		}
		return fmt.Sprintf("%s wants to %s %s", toolName, verb, path)
	}
	if pattern := str("pattern", "query"); pattern != "" {
		return fmt.Sprintf("%s wants to search for %q", toolName, pattern)
	}
	if len(args) == 0 {
		return fmt.Sprintf("%s wants to run", toolName)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s wants to run with %s", toolName, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("%s wants to run with %s", toolName, truncate(string(data), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

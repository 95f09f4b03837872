package permission

import (
	"context"
	"testing"
	"time"

	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, mutate func(*config.Permissions)) (*Gate, *MemoryStore) {
	t.Helper()
	cfg := config.Default().Permissions
	cfg.Timeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	store := NewMemoryStore()
	g, err := NewGate(cfg, store, nil)
	require.NoError(t, err)
	return g, store
}

func TestNewGateRejectsBadRules(t *testing.T) {
	cfg := config.Default().Permissions
	cfg.Rules = []config.PermissionRule{{Pattern: "[", Risk: "low"}}
	_, err := NewGate(cfg, NewMemoryStore(), nil)
	assert.Error(t, err)

	cfg.Rules = []config.PermissionRule{{Pattern: "x", Risk: "severe"}}
	_, err = NewGate(cfg, NewMemoryStore(), nil)
	assert.Error(t, err)

	_, err = NewGate(config.Default().Permissions, nil, nil)
	assert.Error(t, err)
}

func TestEvaluateByRisk(t *testing.T) {
	tests := []struct {
		tool    string
		risk    Risk
		outcome Outcome
	}{
		{"read_file", RiskLow, OutcomeAllowed},
		{"Grep", RiskLow, OutcomeAllowed},
		{"list_directory", RiskLow, OutcomeAllowed},
		{"write_file", RiskMedium, OutcomeAwaitingConsent},
		{"Edit", RiskMedium, OutcomeAwaitingConsent},
		{"execute_command", RiskHigh, OutcomeAwaitingConsent},
		{"delete_file", RiskHigh, OutcomeAwaitingConsent},
		{"mcp__github__create_issue", RiskHigh, OutcomeAwaitingConsent},
		{"something_unknown", RiskHigh, OutcomeAwaitingConsent},
	}
	g, _ := newTestGate(t, nil)
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			ev := g.Evaluate(context.Background(), "s1", tt.tool, nil)
			assert.Equal(t, tt.risk, ev.Risk)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Nil(t, ev.Decision)
			assert.NotEmpty(t, ev.Reason)
		})
	}
}

func TestEvaluateMediumPolicy(t *testing.T) {
	for policy, want := range map[string]Outcome{
		"ask":   OutcomeAwaitingConsent,
		"allow": OutcomeAllowed,
		"deny":  OutcomeDenied,
	} {
		t.Run(policy, func(t *testing.T) {
			g, _ := newTestGate(t, func(c *config.Permissions) { c.MediumPolicy = policy })
			assert.Equal(t, want, g.Evaluate(context.Background(), "s1", "write_file", nil).Outcome)
			// high risk always asks
			assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(context.Background(), "s1", "execute_command", nil).Outcome)
		})
	}
}

func TestEvaluateUsesRememberedDecisions(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGate(t, nil)

	require.NoError(t, store.Save(ctx, Decision{ToolPattern: "execute_command", Scope: ScopeSession, Verdict: Denied, SessionID: "s1"}))
	require.NoError(t, store.Save(ctx, Decision{ToolPattern: "mcp__github__*", Scope: ScopeGlobal, Verdict: Granted}))
	// once decisions are never remembered
	require.NoError(t, store.Save(ctx, Decision{ToolPattern: "write_file", Scope: ScopeOnce, Verdict: Granted, SessionID: "s1"}))

	ev := g.Evaluate(ctx, "s1", "execute_command", nil)
	assert.Equal(t, OutcomeDenied, ev.Outcome)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, ScopeSession, ev.Decision.Scope)

	// other sessions are unaffected by session decisions
	assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(ctx, "s2", "execute_command", nil).Outcome)

	// global decisions apply everywhere and match patterns
	assert.Equal(t, OutcomeAllowed, g.Evaluate(ctx, "s2", "mcp__github__create_issue", nil).Outcome)
	assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(ctx, "s2", "mcp__slack__post", nil).Outcome)

	assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(ctx, "s1", "write_file", nil).Outcome)
}

func TestSessionDecisionOverridesGlobal(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGate(t, nil)
	require.NoError(t, store.Save(ctx, Decision{ToolPattern: "Bash", Scope: ScopeGlobal, Verdict: Granted}))
	require.NoError(t, store.Save(ctx, Decision{ToolPattern: "Bash", Scope: ScopeSession, Verdict: Denied, SessionID: "s1"}))

	assert.Equal(t, OutcomeDenied, g.Evaluate(ctx, "s1", "Bash", nil).Outcome)
	assert.Equal(t, OutcomeAllowed, g.Evaluate(ctx, "s2", "Bash", nil).Outcome)

	store.ForgetSession("s1")
	assert.Equal(t, OutcomeAllowed, g.Evaluate(ctx, "s1", "Bash", nil).Outcome)
}

func TestResolvePersistsAlwaysAnswers(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, nil)
	req := Request{SessionID: "s1", ToolCallID: "t1", ToolName: "execute_command"}

	c, err := g.Resolve(ctx, req, AskerFunc(func(context.Context, Request) (Consent, error) {
		return Consent{Response: ResponseDenied, Always: true}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, ResponseDenied, c.Response)

	ev := g.Evaluate(ctx, "s1", "execute_command", nil)
	assert.Equal(t, OutcomeDenied, ev.Outcome, "remembered denial must short-circuit")
	require.NotNil(t, ev.Decision)
	assert.Equal(t, ScopeSession, ev.Decision.Scope)
}

func TestResolveOnceIsNotRemembered(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, nil)
	req := Request{SessionID: "s1", ToolName: "execute_command"}

	c, err := g.Resolve(ctx, req, AskerFunc(func(context.Context, Request) (Consent, error) {
		return Consent{Response: ResponseGranted}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, ResponseGranted, c.Response)
	assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(ctx, "s1", "execute_command", nil).Outcome)
}

func TestResolveGlobalScope(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGate(t, func(c *config.Permissions) { c.AlwaysScope = "global" })

	_, err := g.Resolve(ctx, Request{SessionID: "s1", ToolName: "WebFetch"}, AskerFunc(func(context.Context, Request) (Consent, error) {
		return Consent{Response: ResponseGranted, Always: true}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllowed, g.Evaluate(ctx, "other", "WebFetch", nil).Outcome)
}

func blockingAsker() Asker {
	return AskerFunc(func(ctx context.Context, _ Request) (Consent, error) {
		<-ctx.Done()
		return Consent{Response: ResponseCancelled}, ctx.Err()
	})
}

func TestResolveTimeout(t *testing.T) {
	g, _ := newTestGate(t, func(c *config.Permissions) { c.Timeout = 20 * time.Millisecond })

	c, err := g.Resolve(context.Background(), Request{SessionID: "s1", ToolName: "Bash"}, blockingAsker())
	require.NoError(t, err)
	assert.Equal(t, ResponseCancelled, c.Response)
	assert.True(t, c.TimedOut)
}

func TestResolveTimeoutDeny(t *testing.T) {
	g, _ := newTestGate(t, func(c *config.Permissions) {
		c.Timeout = 20 * time.Millisecond
		c.TimeoutOutcome = "deny"
	})

	c, err := g.Resolve(context.Background(), Request{SessionID: "s1", ToolName: "Bash"}, blockingAsker())
	require.NoError(t, err)
	assert.Equal(t, ResponseDenied, c.Response)
	assert.True(t, c.TimedOut)
	// a timeout is never remembered
	assert.Equal(t, OutcomeAwaitingConsent, g.Evaluate(context.Background(), "s1", "Bash", nil).Outcome)
}

func TestResolveIgnoresAskerThatOverrunsTimeout(t *testing.T) {
	g, _ := newTestGate(t, func(c *config.Permissions) { c.Timeout = 20 * time.Millisecond })
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	c, err := g.Resolve(context.Background(), Request{ToolName: "Bash"}, AskerFunc(func(context.Context, Request) (Consent, error) {
		<-release
		return Consent{Response: ResponseGranted}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, ResponseCancelled, c.Response)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveCallerCancellation(t *testing.T) {
	g, _ := newTestGate(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c, err := g.Resolve(ctx, Request{ToolName: "Bash"}, blockingAsker())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResponseCancelled, c.Response)
	assert.False(t, c.TimedOut)
}

func TestResolveRecoversFromPanic(t *testing.T) {
	g, _ := newTestGate(t, nil)
	c, err := g.Resolve(context.Background(), Request{ToolName: "Bash"}, AskerFunc(func(context.Context, Request) (Consent, error) {
		panic("boom")
	}))
	assert.Error(t, err)
	assert.Equal(t, ResponseCancelled, c.Response)
}

func TestReason(t *testing.T) {
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"execute_command", map[string]any{"command": "rm -rf build"}, "execute_command wants to run the command: rm -rf build"},
		{"WebFetch", map[string]any{"url": "https://example.com"}, "WebFetch wants to fetch https://example.com"},
		{"read_file", map[string]any{"path": "go.mod"}, "read_file wants to read go.mod"},
		{"write_file", map[string]any{"path": "a.txt", "content": "x"}, "write_file wants to modify a.txt"},
		{"Grep", map[string]any{"pattern": "TODO"}, `Grep wants to search for "TODO"`},
		{"think", nil, "think wants to run"},
		{"custom", map[string]any{"b": 1, "a": true}, `custom wants to run with {"a":true,"b":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.tool, tt.args))
		})
	}
}

func TestTieredRoutesByScope(t *testing.T) {
	ctx := context.Background()
	session, global := NewMemoryStore(), NewMemoryStore()
	tiered := Tiered{Session: session, Global: global}

	require.NoError(t, tiered.Save(ctx, Decision{ToolPattern: "a", Scope: ScopeGlobal, Verdict: Granted}))
	require.NoError(t, tiered.Save(ctx, Decision{ToolPattern: "b", Scope: ScopeSession, Verdict: Denied, SessionID: "s"}))

	_, ok, _ := session.Lookup(ctx, "s", "a")
	assert.False(t, ok)
	_, ok, _ = global.Lookup(ctx, "s", "a")
	assert.True(t, ok)

	d, ok, err := tiered.Lookup(ctx, "s", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Denied, d.Verdict)

	d, ok, err = tiered.Lookup(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ScopeGlobal, d.Scope)
}

func TestConsentErr(t *testing.T) {
	assert.NoError(t, Consent{Response: ResponseGranted}.Err())
	assert.ErrorIs(t, Consent{Response: ResponseDenied, TimedOut: true}.Err(), errors.ErrPermissionDenied)
	assert.ErrorIs(t, Consent{Response: ResponseCancelled}.Err(), errors.ErrPermissionCancelled)
}

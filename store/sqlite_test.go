package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Create(ctx, session.Info{ID: "s1", Cwd: "/work", CreatedAt: created}))
	require.NoError(t, s.Append(ctx, "s1", session.Message{Role: session.RoleUser, Content: "hello", Timestamp: created}))
	require.NoError(t, s.Append(ctx, "s1", session.Message{Role: session.RoleAssistant, Content: "hi", Timestamp: created.Add(time.Second)}))

	info, messages, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/work", info.Cwd)
	assert.True(t, created.Equal(info.CreatedAt))
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, session.RoleAssistant, messages[1].Role)

	_, _, err = s.Load(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	assert.Error(t, s.Create(ctx, session.Info{ID: "s1", CreatedAt: created}))
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, session.Info{ID: "old", CreatedAt: base}))
	require.NoError(t, s.Create(ctx, session.Info{ID: "new", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, s.Append(ctx, "old", session.Message{Role: session.RoleUser, Content: "x", Timestamp: base}))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].ID)
	assert.Equal(t, 0, infos[0].Messages)
	assert.Equal(t, "old", infos[1].ID)
	assert.Equal(t, 1, infos[1].Messages)
}

func TestHistorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)

	store := session.NewStore(s, config.BusyReject, nil)
	sess, err := store.Create(ctx, "/proj")
	require.NoError(t, err)
	turn, err := store.BeginTurn(ctx, sess.ID())
	require.NoError(t, err)
	require.NoError(t, turn.Append(ctx, session.Message{Role: session.RoleUser, Content: "q"}))
	require.NoError(t, turn.Append(ctx, session.Message{Role: session.RoleAssistant, Content: "a"}))
	turn.End()
	require.NoError(t, s.Close())

	reopened, err := Open(path, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := session.NewStore(reopened, config.BusyReject, nil).Open(ctx, sess.ID())
	require.NoError(t, err)
	history := loaded.History()
	require.Len(t, history, 2)
	assert.Equal(t, "q", history[0].Content)
	assert.Equal(t, "a", history[1].Content)
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)

	_, ok, err := s.Lookup(ctx, "s1", "Bash")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, permission.Decision{ToolPattern: "Bash", Scope: permission.ScopeOnce}))
	_, ok, err = s.Lookup(ctx, "s1", "Bash")
	require.NoError(t, err)
	assert.False(t, ok, "once decisions are not stored")

	require.NoError(t, s.Save(ctx, permission.Decision{ToolPattern: "mcp__*", Scope: permission.ScopeGlobal, Verdict: permission.Granted, SessionID: "ignored"}))
	require.NoError(t, s.Save(ctx, permission.Decision{ToolPattern: "mcp__fs", Scope: permission.ScopeSession, Verdict: permission.Denied, SessionID: "s1"}))

	d, ok, err := s.Lookup(ctx, "s1", "mcp__fs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permission.ScopeSession, d.Scope)
	assert.Equal(t, permission.Denied, d.Verdict)

	d, ok, err = s.Lookup(ctx, "s2", "mcp__fs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permission.ScopeGlobal, d.Scope)
	assert.Equal(t, permission.Granted, d.Verdict)
	assert.Empty(t, d.SessionID)

	// upsert replaces the verdict instead of adding a row
	require.NoError(t, s.Save(ctx, permission.Decision{ToolPattern: "mcp__*", Scope: permission.ScopeGlobal, Verdict: permission.Denied}))
	var count int64
	require.NoError(t, s.db.Model(&DecisionRow{}).Where("tool_pattern = ?", "mcp__*").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.Close())
	reopened, err := Open(path, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	d, ok, err = reopened.Lookup(ctx, "s3", "mcp__search")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permission.Denied, d.Verdict)
}

func TestGateRemembersGlobalDecisions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	cfg := config.Default().Permissions
	cfg.AlwaysScope = "global"
	gate, err := permission.NewGate(cfg, s, nil)
	require.NoError(t, err)

	ev := gate.Evaluate(ctx, "s1", "Bash", map[string]any{"command": "ls"})
	require.Equal(t, permission.OutcomeAwaitingConsent, ev.Outcome)

	always := permission.AskerFunc(func(context.Context, permission.Request) (permission.Consent, error) {
		return permission.Consent{Response: permission.ResponseGranted, Always: true}, nil
	})
	c, err := gate.Resolve(ctx, permission.Request{SessionID: "s1", ToolName: "Bash"}, always)
	require.NoError(t, err)
	assert.Equal(t, permission.ResponseGranted, c.Response)

	ev = gate.Evaluate(ctx, "other-session", "Bash", nil)
	assert.Equal(t, permission.OutcomeAllowed, ev.Outcome)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, permission.ScopeGlobal, ev.Decision.Scope)
}

func TestInMemoryDatabase(t *testing.T) {
	s, err := Open(":memory:", true, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Create(context.Background(), session.Info{ID: "m", CreatedAt: time.Now()}))
	infos, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

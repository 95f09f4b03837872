package acp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/m4xw311/claude-acp/agent"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/session"
	"github.com/m4xw311/claude-acp/streamjson"
	"github.com/m4xw311/claude-acp/tools"
)

// Client is the part of the ACP connection the agent calls back into.
// *acpsdk.AgentSideConnection implements it.
type Client interface {
	SessionUpdate(ctx context.Context, n acpsdk.SessionNotification) error
	RequestPermission(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error)
}

// Turns runs prompt turns. *agent.Runner implements it.
type Turns interface {
	RunTurn(ctx context.Context, sessionID string, prompt []streamjson.ContentBlock) (agent.TurnResult, error)
	CancelTurn(sessionID string) bool
}

// Agent serves the Agent Client Protocol on top of a turn runner. It is also
// the runner's Notifier.
type Agent struct {
	sessions *session.Store
	logger   *slog.Logger
	// cwd is used for sessions created without one.
	cwd string
	// fsAccess limits the files inlined from resource links.
	fsAccess config.FilesystemAccess

	mu     sync.RWMutex
	client Client
	turns  Turns
	modes  map[string]acpsdk.SessionModeId
}

var (
	_ acpsdk.Agent       = (*Agent)(nil)
	_ acpsdk.AgentLoader = (*Agent)(nil)
	_ agent.Notifier     = (*Agent)(nil)
)

// New returns an Agent over sessions. SetTurns and SetConnection must be
// called before it serves requests.
func New(sessions *session.Store, logger *slog.Logger) *Agent {
	cwd, _ := os.Getwd()
	return &Agent{
		sessions: sessions,
		logger:   logging.Or(logger),
		cwd:      cwd,
		modes:    make(map[string]acpsdk.SessionModeId),
	}
}

// SetConnection sets the client side of the connection.
func (a *Agent) SetConnection(c Client) {
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
}

// SetFilesystemAccess sets the hidden paths that resource links may not
// inline. It must be called before serving.
func (a *Agent) SetFilesystemAccess(fs config.FilesystemAccess) {
	a.fsAccess = fs
}

// SetTurns sets the runner that executes prompts.
func (a *Agent) SetTurns(t Turns) {
	a.mu.Lock()
	a.turns = t
	a.mu.Unlock()
}

func (a *Agent) conn() (Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, errors.New("no ACP connection")
	}
	return a.client, nil
}

func (a *Agent) runner() (Turns, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.turns == nil {
		return nil, errors.New("agent has no turn runner")
	}
	return a.turns, nil
}

// Serve runs the protocol over in and out until the peer disconnects or ctx
// is done.
func Serve(ctx context.Context, a *Agent, in io.Reader, out io.Writer) error {
	conn := acpsdk.NewAgentSideConnection(a, out, in)
	conn.SetLogger(a.logger)
	a.SetConnection(conn)
	a.logger.Info("ACP server started")

	select {
	case <-conn.Done():
		a.logger.Info("ACP client disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) Initialize(_ context.Context, req acpsdk.InitializeRequest) (acpsdk.InitializeResponse, error) {
	a.logger.Info("initialize", "client_protocol_version", req.ProtocolVersion)
	return acpsdk.InitializeResponse{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		AgentCapabilities: acpsdk.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acpsdk.PromptCapabilities{
				EmbeddedContext: true,
				Image:           true,
			},
		},
	}, nil
}

func (a *Agent) Authenticate(_ context.Context, _ acpsdk.AuthenticateRequest) (acpsdk.AuthenticateResponse, error) {
	return acpsdk.AuthenticateResponse{}, nil
}

func (a *Agent) NewSession(ctx context.Context, req acpsdk.NewSessionRequest) (acpsdk.NewSessionResponse, error) {
	cwd := req.Cwd
	if cwd == "" {
		cwd = a.cwd
	}
	if len(req.McpServers) > 0 {
		a.logger.Warn("ignoring client supplied MCP servers; configure them in the agent config", "count", len(req.McpServers))
	}
	sess, err := a.sessions.Create(ctx, cwd)
	if err != nil {
		return acpsdk.NewSessionResponse{}, err
	}
	return acpsdk.NewSessionResponse{SessionId: acpsdk.SessionId(sess.ID())}, nil
}

// LoadSession reopens a persisted session and replays its history to the
// client.
func (a *Agent) LoadSession(ctx context.Context, req acpsdk.LoadSessionRequest) (acpsdk.LoadSessionResponse, error) {
	id := string(req.SessionId)
	sess, err := a.sessions.Open(ctx, id)
	if err != nil {
		return acpsdk.LoadSessionResponse{}, err
	}
	conn, err := a.conn()
	if err != nil {
		return acpsdk.LoadSessionResponse{}, err
	}

	history := sess.History()
	a.logger.Info("replaying session history", "session_id", id, "messages", len(history))
	for i, msg := range history {
		update := acpsdk.UpdateAgentMessageText(msg.Content)
		if msg.Role == session.RoleUser {
			update = acpsdk.UpdateUserMessageText(msg.Content)
		}
		if err := conn.SessionUpdate(ctx, acpsdk.SessionNotification{SessionId: req.SessionId, Update: update}); err != nil {
			return acpsdk.LoadSessionResponse{}, errors.Wrapf(err, "failed to replay message %d of session %s", i, id)
		}
	}
	return acpsdk.LoadSessionResponse{}, nil
}

func (a *Agent) Prompt(ctx context.Context, req acpsdk.PromptRequest) (acpsdk.PromptResponse, error) {
	id := string(req.SessionId)
	turns, err := a.runner()
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}

	cwd := a.cwd
	if sess, ok := a.sessions.Get(id); ok && sess.Cwd() != "" {
		cwd = sess.Cwd()
	}
	blocks, err := a.convertPrompt(ctx, cwd, req.Prompt)
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}

	result, err := turns.RunTurn(ctx, id, blocks)
	if err != nil {
		return acpsdk.PromptResponse{}, err
	}
	if result.StopReason == agent.StopError {
		// ACP has no error stop reason; the metadata travels in the error data
		a.logger.Warn("turn failed", "session_id", id, "turn_requests", result.Meta.TurnRequests, "error", result.Meta.Error)
		return acpsdk.PromptResponse{}, acpsdk.NewInternalError(map[string]any{
			"error":       "turn failed after " + strconv.FormatUint(uint64(result.Meta.TurnRequests), 10) + " model requests: " + result.Meta.Error,
			"stop_reason": string(agent.StopError),
			"_meta":       map[string]any{"claude-acp": result.Meta},
		})
	}
	return acpsdk.PromptResponse{
		StopReason: stopReason(result),
		Meta:       map[string]any{"claude-acp": result.Meta},
	}, nil
}

func stopReason(r agent.TurnResult) acpsdk.StopReason {
	switch r.StopReason {
	case agent.StopCancelled:
		return acpsdk.StopReasonCancelled
	case agent.StopMaxTurnRequests:
		return acpsdk.StopReasonMaxTurnRequests
	case agent.StopRefusal:
		return acpsdk.StopReasonRefusal
	}
	if r.Meta.ModelStopReason == string(streamjson.StopMaxTokens) {
		return acpsdk.StopReasonMaxTokens
	}
	return acpsdk.StopReasonEndTurn
}

func (a *Agent) Cancel(_ context.Context, req acpsdk.CancelNotification) error {
	turns, err := a.runner()
	if err != nil {
		return err
	}
	if !turns.CancelTurn(string(req.SessionId)) {
		a.logger.Debug("cancel for idle session", "session_id", req.SessionId)
	}
	return nil
}

// SetSessionMode records the requested mode. Modes do not change how turns
// run.
func (a *Agent) SetSessionMode(_ context.Context, req acpsdk.SetSessionModeRequest) (acpsdk.SetSessionModeResponse, error) {
	id := string(req.SessionId)
	if _, ok := a.sessions.Get(id); !ok {
		return acpsdk.SetSessionModeResponse{}, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}
	a.mu.Lock()
	a.modes[id] = req.ModeId
	a.mu.Unlock()
	a.logger.Info("session mode set", "session_id", id, "mode", req.ModeId)
	return acpsdk.SetSessionModeResponse{}, nil
}

// convertPrompt maps ACP content blocks to stream-json ones. Both share the
// ACP wire shape. Links to local files are inlined as embedded resources.
func (a *Agent) convertPrompt(ctx context.Context, cwd string, prompt []acpsdk.ContentBlock) ([]streamjson.ContentBlock, error) {
	blocks := make([]streamjson.ContentBlock, 0, len(prompt))
	for i, b := range prompt {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, errors.Wrapf(err, "prompt block %d", i)
		}
		var out streamjson.ContentBlock
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errors.Wrapf(err, "prompt block %d", i)
		}
		if out.Type == streamjson.BlockResourceLink {
			out = a.inlineResource(tools.WithWorkDir(ctx, cwd), out)
		}
		blocks = append(blocks, out)
	}
	return blocks, nil
}

func (a *Agent) inlineResource(ctx context.Context, link streamjson.ContentBlock) streamjson.ContentBlock {
	text, err := readFileURI(link.URI, func(path string) error {
		_, err := tools.CheckRead(ctx, &a.fsAccess, path)
		return err
	})
	if err != nil {
		a.logger.Debug("keeping resource link", "uri", link.URI, "reason", err)
		return link
	}
	return streamjson.ContentBlock{
		Type: streamjson.BlockResource,
		Resource: &streamjson.EmbeddedResource{
			URI:      link.URI,
			MimeType: link.MimeType,
			Text:     text,
		},
	}
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/session"
	"github.com/m4xw311/claude-acp/streamjson"
	"github.com/m4xw311/claude-acp/tools"
	"golang.org/x/sync/errgroup"
)

// Dependencies are the collaborators of a Runner.
type Dependencies struct {
	Sessions  *session.Store
	Processes Processes
	Gate      *permission.Gate
	Tools     tools.Executor
	// Notifier must be safe for concurrent use when tools run in parallel.
	Notifier Notifier
	Logger   *slog.Logger
	// OnState observes every state transition of every turn.
	OnState func(sessionID string, s State)
}

// Runner executes prompt turns.
type Runner struct {
	sessions *session.Store
	procs    Processes
	gate     *permission.Gate
	tools    tools.Executor
	notifier Notifier
	logger   *slog.Logger
	onState  func(string, State)
	decoder  streamjson.Decoder
	newID    func() string
	maxReqs  uint
	parallel bool
	maxTools int

	mu     sync.Mutex
	active map[string]*activeTurn
	// primed is the stream that has been given each session's history.
	primed map[string]Stream
}

type activeTurn struct {
	cancel context.CancelFunc
}

// NewRunner returns a Runner configured by cfg.
func NewRunner(cfg *config.Config, deps Dependencies) (*Runner, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("runner requires a session store")
	case deps.Processes == nil:
		return nil, errors.New("runner requires a process source")
	case deps.Gate == nil:
		return nil, errors.New("runner requires a permission gate")
	case deps.Tools == nil:
		return nil, errors.New("runner requires a tool executor")
	case deps.Notifier == nil:
		return nil, errors.New("runner requires a notifier")
	}
	r := &Runner{
		sessions: deps.Sessions,
		procs:    deps.Processes,
		gate:     deps.Gate,
		tools:    deps.Tools,
		notifier: deps.Notifier,
		logger:   logging.Or(deps.Logger),
		onState:  deps.OnState,
		decoder:  streamjson.Decoder{Partial: cfg.Model.IncludePartialMessages},
		newID:    uuid.NewString,
		maxReqs:  cfg.Turn.MaxTurnRequests,
		parallel: cfg.Tools.Parallel,
		maxTools: cfg.Tools.MaxParallel,
		active:   make(map[string]*activeTurn),
		primed:   make(map[string]Stream),
	}
	if r.maxReqs == 0 {
		r.maxReqs = config.Default().Turn.MaxTurnRequests
	}
	if r.maxTools <= 0 {
		r.maxTools = 1
	}
	return r, nil
}

// turnContext is the state of one RunTurn call.
type turnContext struct {
	sessionID string
	cwd       string
	turn      *session.Turn
	stream    Stream
	respawned bool
	// processBroken is set when the process must not be reused.
	processBroken bool
	reports       []*ToolCallReport
	state         State
	usage         streamjson.Metadata

	// prior is the history before this turn and prompt its input; with
	// exchange they rebuild the turn for a fresh process.
	prior    []session.Message
	prompt   []streamjson.ContentBlock
	exchange []string
	// text is the reply of completed rounds, pending that of the current
	// round. pending is dropped when its process crashes.
	text    strings.Builder
	pending strings.Builder
}

// RunTurn drives one prompt turn of sessionID to a terminal state. Every
// stop condition, including failures of the model process, is returned in
// the TurnResult; an error means the turn could not start, because the
// session is unknown or busy.
func (r *Runner) RunTurn(ctx context.Context, sessionID string, prompt []streamjson.ContentBlock) (TurnResult, error) {
	turn, err := r.sessions.BeginTurn(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer turn.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := r.register(sessionID, cancel)
	defer r.unregister(sessionID, token)

	tc := &turnContext{
		sessionID: sessionID,
		cwd:       turn.Session().Cwd(),
		turn:      turn,
	}
	r.transition(tc, StateStart)
	r.logger.Info("turn started", "session_id", sessionID)

	result := r.run(ctx, tc, prompt)
	r.finish(ctx, tc, &result)
	return result, nil
}

// CancelTurn aborts the active turn of sessionID at its next suspension
// point. It reports whether a turn was active.
func (r *Runner) CancelTurn(sessionID string) bool {
	r.mu.Lock()
	at := r.active[sessionID]
	r.mu.Unlock()
	if at == nil {
		return false
	}
	r.logger.Info("cancelling turn", "session_id", sessionID)
	at.cancel()
	return true
}

func (r *Runner) register(sessionID string, cancel context.CancelFunc) *activeTurn {
	at := &activeTurn{cancel: cancel}
	r.mu.Lock()
	r.active[sessionID] = at
	r.mu.Unlock()
	return at
}

func (r *Runner) unregister(sessionID string, at *activeTurn) {
	r.mu.Lock()
	if r.active[sessionID] == at {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, tc *turnContext, prompt []streamjson.ContentBlock) TurnResult {
	tc.prior = tc.turn.Session().History()
	tc.prompt = prompt
	if text := streamjson.PlainText(prompt); text != "" {
		if err := tc.turn.Append(ctx, session.Message{Role: session.RoleUser, Content: text}); err != nil {
			r.logger.Warn("failed to persist prompt", "session_id", tc.sessionID, "error", err)
		}
	}

	line, err := streamjson.EncodePrompt(prompt, streamjson.RoleUser)
	if err != nil {
		return r.failed(tc, err)
	}

	stream, err := r.procs.Acquire(ctx, tc.sessionID, tc.cwd)
	if err != nil {
		if ctx.Err() != nil {
			return r.stopped(tc, StopCancelled)
		}
		return r.failed(tc, err)
	}
	tc.stream = stream
	tc.turn.Session().BindProcess(tc.sessionID)
	if r.prime(tc.sessionID, stream) && len(tc.prior) > 0 {
		r.logger.Info("restoring history on model process", "session_id", tc.sessionID, "messages", len(tc.prior))
		if line, err = r.replayLine(tc); err != nil {
			return r.failed(tc, err)
		}
	}

	for {
		if ctx.Err() != nil {
			return r.stopped(tc, StopCancelled)
		}

		r.transition(tc, StateSendingPrompt)
		// checked before sending so the limit is never exceeded
		if tc.turn.RequestCount() >= r.maxReqs {
			r.logger.Info("stopping turn", "session_id", tc.sessionID, "error", errors.ErrTurnLimitExceeded, "max_turn_requests", r.maxReqs)
			return r.stopped(tc, StopMaxTurnRequests)
		}
		tc.turn.NextRequest()

		requests, end, err := r.roundTrip(ctx, tc, line)
		if err != nil {
			if ctx.Err() != nil {
				return r.stopped(tc, StopCancelled)
			}
			return r.failed(tc, err)
		}
		if end != nil {
			return r.ended(tc, *end)
		}

		r.transition(tc, StateToolGate)
		results, cancelled := r.dispatch(ctx, tc, requests)
		if cancelled {
			return r.stopped(tc, StopCancelled)
		}

		r.transition(tc, StateAccumulating)
		for i, req := range requests {
			tc.exchange = append(tc.exchange, toolEntry(req, results[i]))
		}
		line, err = streamjson.EncodeToolResults(results)
		if err != nil {
			return r.failed(tc, err)
		}
	}
}

// roundTrip sends line and reads output until the model ends its turn or
// requests tools.
func (r *Runner) roundTrip(ctx context.Context, tc *turnContext, line []byte) ([]streamjson.ToolUseRequest, *streamjson.EndOfTurn, error) {
	if err := r.send(ctx, tc, line); err != nil {
		return nil, nil, err
	}

	r.transition(tc, StateAwaitingModelOutput)
	for {
		raw, err := tc.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, errors.ErrProcessCrash) {
				return nil, nil, err
			}
			if err := r.respawn(ctx, tc, err); err != nil {
				return nil, nil, err
			}
			replay, err := r.replayLine(tc)
			if err != nil {
				return nil, nil, err
			}
			if err := r.send(ctx, tc, replay); err != nil {
				return nil, nil, err
			}
			continue
		}

		var requests []streamjson.ToolUseRequest
		for _, ev := range r.decoder.Decode(raw) {
			switch ev := ev.(type) {
			case streamjson.TextChunk:
				if !ev.Thinking {
					tc.pending.WriteString(ev.Text)
				}
				r.notify(ctx, tc, MessageChunk{Text: ev.Text, Thinking: ev.Thinking})
			case streamjson.Metadata:
				tc.usage = tc.usage.Merge(ev)
				r.notify(ctx, tc, UsageUpdate{Usage: tc.usage})
			case streamjson.ToolUseRequest:
				requests = append(requests, ev)
			case streamjson.EndOfTurn:
				tc.commit()
				return nil, &ev, nil
			case streamjson.Malformed:
				r.logger.Warn("skipping malformed model output", "session_id", tc.sessionID,
					"error", errors.Wrapf(errors.ErrProtocolDecode, "%s", ev.Err), "raw", shorten(ev.Raw, 200))
			}
		}
		if len(requests) > 0 {
			if tc.pending.Len() > 0 {
				tc.exchange = append(tc.exchange, assistantEntry(tc.pending.String()))
			}
			tc.commit()
			return requests, nil, nil
		}
	}
}

// send writes line, respawning the process once if it crashed.
func (r *Runner) send(ctx context.Context, tc *turnContext, line []byte) error {
	err := tc.stream.Send(ctx, line)
	if err == nil || ctx.Err() != nil || !errors.Is(err, errors.ErrProcessCrash) {
		return err
	}
	if err := r.respawn(ctx, tc, err); err != nil {
		return err
	}
	replay, err := r.replayLine(tc)
	if err != nil {
		return err
	}
	return r.send(ctx, tc, replay)
}

// replayLine encodes the whole conversation for a process that has not
// seen it.
func (r *Runner) replayLine(tc *turnContext) ([]byte, error) {
	return streamjson.EncodePrompt(replayPrompt(tc.prior, tc.prompt, tc.exchange), streamjson.RoleUser)
}

// prime records stream as the one holding sessionID's history. It reports
// whether stream is new to the session.
func (r *Runner) prime(sessionID string, stream Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primed[sessionID] == stream {
		return false
	}
	r.primed[sessionID] = stream
	return true
}

func (r *Runner) forget(sessionID string) {
	r.mu.Lock()
	delete(r.primed, sessionID)
	r.mu.Unlock()
}

// commit moves the current round's text to the reply.
func (tc *turnContext) commit() {
	tc.text.WriteString(tc.pending.String())
	tc.pending.Reset()
}

// respawn replaces a crashed process, at most once per turn.
func (r *Runner) respawn(ctx context.Context, tc *turnContext, cause error) error {
	tc.processBroken = true
	if tc.respawned {
		return errors.Wrapf(cause, "model process crashed again after respawn")
	}
	tc.respawned = true
	r.logger.Warn("model process crashed mid-turn, respawning", "session_id", tc.sessionID, "error", cause)

	stream, err := r.procs.Respawn(ctx, tc.sessionID, tc.cwd)
	if err != nil {
		return errors.Wrapf(err, "respawn after crash (%v)", cause)
	}
	tc.stream = stream
	tc.processBroken = false
	// the crashed round is redone from the start
	tc.pending.Reset()
	r.prime(tc.sessionID, stream)
	return nil
}

// dispatch gates and runs the tool calls of one round. Results keep the
// request order. It reports true when the turn must be cancelled.
func (r *Runner) dispatch(ctx context.Context, tc *turnContext, requests []streamjson.ToolUseRequest) ([]streamjson.ToolResult, bool) {
	results := make([]streamjson.ToolResult, len(requests))

	if !r.parallel || len(requests) == 1 {
		for i, req := range requests {
			report, denied, cancelled := r.authorize(ctx, tc, req)
			if cancelled {
				return nil, true
			}
			if denied != nil {
				results[i] = *denied
				continue
			}
			if ctx.Err() != nil {
				return nil, true
			}
			results[i] = r.execute(ctx, tc, report, req)
		}
		return results, ctx.Err() != nil
	}

	type allowed struct {
		index  int
		report *ToolCallReport
		req    streamjson.ToolUseRequest
	}
	var run []allowed
	for i, req := range requests {
		report, denied, cancelled := r.authorize(ctx, tc, req)
		if cancelled {
			return nil, true
		}
		if denied != nil {
			results[i] = *denied
			continue
		}
		run = append(run, allowed{index: i, report: report, req: req})
	}
	if ctx.Err() != nil {
		return nil, true
	}

	var g errgroup.Group
	g.SetLimit(r.maxTools)
	for _, a := range run {
		g.Go(func() error {
			results[a.index] = r.execute(ctx, tc, a.report, a.req)
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err() != nil
}

// authorize announces a tool call and runs it through the permission gate.
// A non-nil result means the call was refused and must not run.
func (r *Runner) authorize(ctx context.Context, tc *turnContext, req streamjson.ToolUseRequest) (*ToolCallReport, *streamjson.ToolResult, bool) {
	id := req.ID
	if id == "" {
		id = r.newID()
	}
	report := &ToolCallReport{
		ID:        id,
		ToolName:  req.Name,
		Title:     Title(req.Name, req.Arguments),
		Kind:      ClassifyKind(req.Name),
		Status:    StatusPending,
		Locations: Locations(req.Arguments),
		RawInput:  req.Arguments,
	}
	tc.reports = append(tc.reports, report)
	r.notify(ctx, tc, ToolCallStarted{Report: *report})

	if ctx.Err() != nil {
		return report, nil, true
	}

	ev := r.gate.Evaluate(ctx, tc.sessionID, req.Name, req.Arguments)
	r.logger.Debug("permission evaluated", "session_id", tc.sessionID, "tool", req.Name, "risk", ev.Risk.String(), "outcome", ev.Outcome.String())
	switch ev.Outcome {
	case permission.OutcomeAllowed:
		return report, nil, false
	case permission.OutcomeDenied:
		return report, r.refuse(ctx, tc, report, fmt.Sprintf("Permission denied: %s.", ev.Reason), errors.ErrPermissionDenied), false
	}

	if ctx.Err() != nil {
		return report, nil, true
	}
	consent, err := r.gate.Resolve(ctx, permission.Request{
		SessionID:  tc.sessionID,
		ToolCallID: report.ID,
		ToolName:   req.Name,
		Title:      report.Title,
		Reason:     ev.Reason,
		Risk:       ev.Risk,
		Arguments:  req.Arguments,
	}, r.notifier)
	if ctx.Err() != nil {
		return report, nil, true
	}
	if err != nil {
		r.logger.Warn("permission request failed", "session_id", tc.sessionID, "tool", req.Name, "error", err)
	}

	switch {
	case consent.TimedOut:
		// a timeout refuses this call only
		return report, r.refuse(ctx, tc, report, "Permission request timed out; the tool call was not run.", consent.Err()), false
	case consent.Response == permission.ResponseGranted:
		return report, nil, false
	case consent.Response == permission.ResponseDenied:
		return report, r.refuse(ctx, tc, report, "The user denied permission to run this tool.", consent.Err()), false
	}
	r.logger.Info("cancelling turn", "session_id", tc.sessionID, "tool", req.Name, "error", consent.Err())
	return report, nil, true
}

func (r *Runner) refuse(ctx context.Context, tc *turnContext, report *ToolCallReport, reason string, cause error) *streamjson.ToolResult {
	r.logger.Info("tool call refused", "session_id", tc.sessionID, "tool", report.ToolName, "error", cause)
	report.RawOutput = reason
	r.setStatus(ctx, tc, report, StatusFailed)
	return &streamjson.ToolResult{ToolUseID: report.ID, Content: reason, IsError: true}
}

func (r *Runner) execute(ctx context.Context, tc *turnContext, report *ToolCallReport, req streamjson.ToolUseRequest) streamjson.ToolResult {
	r.setStatus(ctx, tc, report, StatusInProgress)

	res, err := r.tools.Execute(tools.WithWorkDir(ctx, tc.cwd), req.Name, req.Arguments)
	out := res.Output
	if err != nil || res.IsError {
		if out == "" && err != nil {
			out = err.Error()
		}
		report.RawOutput = out
		r.logger.Info("tool call failed", "session_id", tc.sessionID, "tool", req.Name, "error", err)
		r.setStatus(ctx, tc, report, StatusFailed)
		return streamjson.ToolResult{ToolUseID: report.ID, Content: out, IsError: true}
	}
	report.RawOutput = out
	r.setStatus(ctx, tc, report, StatusCompleted)
	return streamjson.ToolResult{ToolUseID: report.ID, Content: out}
}

func (r *Runner) setStatus(ctx context.Context, tc *turnContext, report *ToolCallReport, status ToolStatus) {
	report.Status = status
	r.notify(ctx, tc, ToolCallProgress{Report: *report})
}

func (r *Runner) notify(ctx context.Context, tc *turnContext, u Update) {
	// updates already produced are delivered even while cancelling
	if err := r.notifier.Notify(context.WithoutCancel(ctx), tc.sessionID, u); err != nil {
		r.logger.Debug("failed to notify client", "session_id", tc.sessionID, "error", err)
	}
}

func (r *Runner) transition(tc *turnContext, s State) {
	tc.state = s
	r.logger.Debug("turn state", "session_id", tc.sessionID, "state", s.String())
	if r.onState != nil {
		r.onState(tc.sessionID, s)
	}
}

func (r *Runner) stopped(_ *turnContext, reason StopReason) TurnResult {
	return TurnResult{StopReason: reason}
}

func (r *Runner) failed(tc *turnContext, err error) TurnResult {
	r.logger.Error("turn failed", "session_id", tc.sessionID, "error", err)
	if errors.Is(err, errors.ErrProcessCrash) || errors.Is(err, errors.ErrProcessTerminated) || errors.Is(err, errors.ErrCrashLoop) {
		tc.processBroken = true
	}
	return TurnResult{StopReason: StopError, Meta: TurnMeta{Error: err.Error()}}
}

func (r *Runner) ended(tc *turnContext, end streamjson.EndOfTurn) TurnResult {
	switch end.StopReason {
	case streamjson.StopRefusal:
		return TurnResult{StopReason: StopRefusal}
	case streamjson.StopError:
		msg := end.Err
		if msg == "" {
			msg = "model reported an error"
		}
		return TurnResult{StopReason: StopError, Meta: TurnMeta{Error: msg}}
	case streamjson.StopMaxTokens:
		return TurnResult{StopReason: StopEndTurn, Meta: TurnMeta{ModelStopReason: string(end.StopReason)}}
	}
	return TurnResult{StopReason: StopEndTurn}
}

// finish fills in the turn metadata, records the assistant reply and
// settles tool calls left open by a cancelled or failed turn.
func (r *Runner) finish(ctx context.Context, tc *turnContext, result *TurnResult) {
	r.transition(tc, StateTerminal)
	bg := context.WithoutCancel(ctx)

	for _, report := range tc.reports {
		if !report.Status.Terminal() {
			report.RawOutput = "Tool call was not completed: turn " + string(result.StopReason)
			r.setStatus(bg, tc, report, StatusFailed)
		}
	}

	tc.commit()
	if tc.text.Len() > 0 {
		if err := tc.turn.Append(bg, session.Message{Role: session.RoleAssistant, Content: tc.text.String()}); err != nil {
			r.logger.Warn("failed to persist assistant reply", "session_id", tc.sessionID, "error", err)
		}
	}

	// a cancelled turn leaves the model mid-output, so its process is not
	// reused
	if result.StopReason == StopCancelled || (result.StopReason == StopError && tc.processBroken) {
		if err := r.procs.Release(bg, tc.sessionID); err != nil {
			r.logger.Warn("failed to release model process", "session_id", tc.sessionID, "error", err)
		}
		tc.turn.Session().BindProcess("")
		r.forget(tc.sessionID)
	}

	result.Meta.TurnRequests = tc.turn.RequestCount()
	result.Meta.MaxTurnRequests = r.maxReqs
	result.Meta.CostUSD = tc.usage.CostUSD
	result.Meta.InputTokens = tc.usage.InputTokens
	result.Meta.OutputTokens = tc.usage.OutputTokens

	r.logger.Info("turn finished",
		"session_id", tc.sessionID,
		"stop_reason", string(result.StopReason),
		"turn_requests", result.Meta.TurnRequests,
		"tool_calls", len(tc.reports),
		"cost_usd", result.Meta.CostUSD)
}

package acp

import (
	"context"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/m4xw311/claude-acp/agent"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/permission"
)

// Permission option ids offered for every request.
const (
	optionAllowOnce    = "allow_once"
	optionAllowAlways  = "allow_always"
	optionRejectOnce   = "reject_once"
	optionRejectAlways = "reject_always"
)

var permissionOptions = []acpsdk.PermissionOption{
	{OptionId: optionAllowOnce, Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
	{OptionId: optionAllowAlways, Name: "Always Allow", Kind: acpsdk.PermissionOptionKindAllowAlways},
	{OptionId: optionRejectOnce, Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
	{OptionId: optionRejectAlways, Name: "Always Reject", Kind: acpsdk.PermissionOptionKindRejectAlways},
}

// Notify sends a turn update to the client as a session/update notification.
func (a *Agent) Notify(ctx context.Context, sessionID string, u agent.Update) error {
	update, ok := sessionUpdate(u)
	if !ok {
		return nil
	}
	conn, err := a.conn()
	if err != nil {
		return err
	}
	return conn.SessionUpdate(ctx, acpsdk.SessionNotification{
		SessionId: acpsdk.SessionId(sessionID),
		Update:    update,
	})
}

// sessionUpdate converts u. Usage updates have no ACP counterpart.
func sessionUpdate(u agent.Update) (acpsdk.SessionUpdate, bool) {
	switch u := u.(type) {
	case agent.MessageChunk:
		if u.Thinking {
			return acpsdk.UpdateAgentThoughtText(u.Text), true
		}
		return acpsdk.UpdateAgentMessageText(u.Text), true
	case agent.ToolCallStarted:
		r := u.Report
		opts := []acpsdk.ToolCallStartOpt{
			acpsdk.WithStartKind(toolKind(r.Kind)),
			acpsdk.WithStartStatus(toolStatus(r.Status)),
		}
		if r.RawInput != nil {
			opts = append(opts, acpsdk.WithStartRawInput(r.RawInput))
		}
		if locs := locations(r.Locations); len(locs) > 0 {
			opts = append(opts, acpsdk.WithStartLocations(locs))
		}
		return acpsdk.StartToolCall(acpsdk.ToolCallId(r.ID), r.Title, opts...), true
	case agent.ToolCallProgress:
		r := u.Report
		opts := []acpsdk.ToolCallUpdateOpt{acpsdk.WithUpdateStatus(toolStatus(r.Status))}
		if r.Status.Terminal() && r.RawOutput != "" {
			opts = append(opts,
				acpsdk.WithUpdateContent([]acpsdk.ToolCallContent{acpsdk.ToolContent(acpsdk.TextBlock(r.RawOutput))}),
				acpsdk.WithUpdateRawOutput(map[string]any{"output": r.RawOutput}),
			)
		}
		return acpsdk.UpdateToolCall(acpsdk.ToolCallId(r.ID), opts...), true
	}
	return acpsdk.SessionUpdate{}, false
}

// RequestPermission asks the client whether a tool call may run.
func (a *Agent) RequestPermission(ctx context.Context, req permission.Request) (permission.Consent, error) {
	conn, err := a.conn()
	if err != nil {
		return permission.Consent{Response: permission.ResponseCancelled}, err
	}

	kind := toolKind(agent.ClassifyKind(req.ToolName))
	title := req.Title
	if title == "" {
		title = req.ToolName
	}
	resp, err := conn.RequestPermission(ctx, acpsdk.RequestPermissionRequest{
		SessionId: acpsdk.SessionId(req.SessionID),
		ToolCall: acpsdk.RequestPermissionToolCall{
			ToolCallId: acpsdk.ToolCallId(req.ToolCallID),
			Title:      acpsdk.Ptr(title),
			Kind:       acpsdk.Ptr(kind),
			Status:     acpsdk.Ptr(acpsdk.ToolCallStatusPending),
			Locations:  locations(agent.Locations(req.Arguments)),
			RawInput:   req.Arguments,
		},
		Options: permissionOptions,
	})
	if err != nil {
		return permission.Consent{Response: permission.ResponseCancelled}, errors.Wrapf(err, "permission request for %s", req.ToolName)
	}

	if resp.Outcome.Cancelled != nil || resp.Outcome.Selected == nil {
		return permission.Consent{Response: permission.ResponseCancelled}, nil
	}
	switch string(resp.Outcome.Selected.OptionId) {
	case optionAllowOnce:
		return permission.Consent{Response: permission.ResponseGranted}, nil
	case optionAllowAlways:
		return permission.Consent{Response: permission.ResponseGranted, Always: true}, nil
	case optionRejectOnce:
		return permission.Consent{Response: permission.ResponseDenied}, nil
	case optionRejectAlways:
		return permission.Consent{Response: permission.ResponseDenied, Always: true}, nil
	}
	a.logger.Warn("unexpected permission option", "option", resp.Outcome.Selected.OptionId)
	return permission.Consent{Response: permission.ResponseDenied}, nil
}

func toolKind(k agent.ToolKind) acpsdk.ToolKind {
	switch k {
	case agent.KindRead:
		return acpsdk.ToolKindRead
	case agent.KindEdit:
		return acpsdk.ToolKindEdit
	case agent.KindDelete:
		return acpsdk.ToolKindDelete
	case agent.KindMove:
		return acpsdk.ToolKindMove
	case agent.KindSearch:
		return acpsdk.ToolKindSearch
	case agent.KindExecute:
		return acpsdk.ToolKindExecute
	case agent.KindFetch:
		return acpsdk.ToolKindFetch
	case agent.KindThink:
		return acpsdk.ToolKindThink
	}
	return acpsdk.ToolKindOther
}

func toolStatus(s agent.ToolStatus) acpsdk.ToolCallStatus {
	switch s {
	case agent.StatusInProgress:
		return acpsdk.ToolCallStatusInProgress
	case agent.StatusCompleted:
		return acpsdk.ToolCallStatusCompleted
	case agent.StatusFailed:
		return acpsdk.ToolCallStatusFailed
	}
	return acpsdk.ToolCallStatusPending
}

func locations(locs []agent.Location) []acpsdk.ToolCallLocation {
	if len(locs) == 0 {
		return nil
	}
	out := make([]acpsdk.ToolCallLocation, 0, len(locs))
	for _, l := range locs {
		loc := acpsdk.ToolCallLocation{Path: l.Path}
		if l.Line > 0 {
			loc.Line = acpsdk.Ptr(l.Line)
		}
		out = append(out, loc)
	}
	return out
}

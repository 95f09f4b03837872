package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/claude-acp/agent"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/streamjson"
)

// Verbosity selects how much of each tool call is printed.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbosityInfo
	VerbosityAll
)

// ParseVerbosity parses "none", "info" or "all".
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(s) {
	case "none":
		return VerbosityNone, nil
	case "", "info":
		return VerbosityInfo, nil
	case "all":
		return VerbosityAll, nil
	}
	return VerbosityNone, errors.New("invalid verbosity %q, want none, info or all", s)
}

// Turns runs prompt turns. *agent.Runner implements it.
type Turns interface {
	RunTurn(ctx context.Context, sessionID string, prompt []streamjson.ContentBlock) (agent.TurnResult, error)
}

// Terminal is an interactive front end for one session. It is the runner's
// Notifier and asks for permissions on the terminal.
type Terminal struct {
	out       io.Writer
	lines     <-chan string
	verbosity Verbosity

	mu    sync.Mutex
	turns Turns
}

var _ agent.Notifier = (*Terminal)(nil)

// New returns a Terminal reading from in and printing to out.
func New(in io.Reader, out io.Writer, verbosity Verbosity) *Terminal {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &Terminal{out: out, lines: lines, verbosity: verbosity}
}

// SetTurns sets the runner that executes prompts.
func (t *Terminal) SetTurns(turns Turns) {
	t.mu.Lock()
	t.turns = turns
	t.mu.Unlock()
}

func (t *Terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, a...)
}

// readLine returns the next input line. ok is false at end of input.
func (t *Terminal) readLine(ctx context.Context) (line string, ok bool, err error) {
	select {
	case line, ok = <-t.lines:
		return strings.TrimSpace(line), ok, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Run reads prompts until end of input, /quit or /exit. initialPrompt, when
// set, is run first.
func (t *Terminal) Run(ctx context.Context, sessionID, initialPrompt string) error {
	t.mu.Lock()
	turns := t.turns
	t.mu.Unlock()
	if turns == nil {
		return errors.New("terminal has no turn runner")
	}

	if initialPrompt != "" {
		t.turn(ctx, turns, sessionID, initialPrompt)
	}
	for {
		t.printf("You: ")
		input, ok, err := t.readLine(ctx)
		if err != nil {
			return err
		}
		if !ok {
			t.printf("\n")
			return nil
		}
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		t.turn(ctx, turns, sessionID, input)
	}
}

func (t *Terminal) turn(ctx context.Context, turns Turns, sessionID, input string) {
	t.printf("Claude: ")
	res, err := turns.RunTurn(ctx, sessionID, []streamjson.ContentBlock{streamjson.TextBlock(input)})
	t.printf("\n")
	if err != nil {
		t.printf("Error: %v\n", err)
		return
	}
	switch res.StopReason {
	case agent.StopEndTurn:
	case agent.StopError:
		t.printf("Error: %s\n", res.Meta.Error)
	case agent.StopMaxTurnRequests:
		t.printf("[stopped after %d model requests]\n", res.Meta.TurnRequests)
	default:
		t.printf("[turn %s]\n", res.StopReason)
	}
	if t.verbosity == VerbosityAll && res.Meta.CostUSD > 0 {
		t.printf("[cost $%.4f, %d in / %d out tokens]\n", res.Meta.CostUSD, res.Meta.InputTokens, res.Meta.OutputTokens)
	}
}

// Notify prints a turn update.
func (t *Terminal) Notify(_ context.Context, _ string, u agent.Update) error {
	switch u := u.(type) {
	case agent.MessageChunk:
		if u.Thinking {
			if t.verbosity == VerbosityAll {
				t.printf("(%s)", u.Text)
			}
			return nil
		}
		t.printf("%s", u.Text)
	case agent.ToolCallStarted:
		switch t.verbosity {
		case VerbosityInfo:
			t.printf("\n[%s]\n", u.Report.Title)
		case VerbosityAll:
			t.printf("\n[%s] %s %v\n", u.Report.Title, u.Report.ToolName, u.Report.RawInput)
		}
	case agent.ToolCallProgress:
		r := u.Report
		switch {
		case r.Status == agent.StatusFailed && t.verbosity != VerbosityNone:
			t.printf("[%s failed] %s\n", r.Title, r.RawOutput)
		case r.Status == agent.StatusCompleted && t.verbosity == VerbosityAll:
			t.printf("[%s output]\n%s\n", r.Title, r.RawOutput)
		}
	}
	return nil
}

// RequestPermission asks on the terminal whether a tool call may run.
func (t *Terminal) RequestPermission(ctx context.Context, req permission.Request) (permission.Consent, error) {
	for {
		t.printf("\nAllow %s (%s risk, %s)? [y]es, [n]o, [a]lways, ne[v]er: ", req.Title, req.Risk, req.Reason)
		answer, ok, err := t.readLine(ctx)
		if err != nil {
			return permission.Consent{Response: permission.ResponseCancelled}, err
		}
		if !ok {
			return permission.Consent{Response: permission.ResponseCancelled}, errors.New("input closed while waiting for permission")
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return permission.Consent{Response: permission.ResponseGranted}, nil
		case "a", "always":
			return permission.Consent{Response: permission.ResponseGranted, Always: true}, nil
		case "n", "no":
			return permission.Consent{Response: permission.ResponseDenied}, nil
		case "v", "never":
			return permission.Consent{Response: permission.ResponseDenied, Always: true}, nil
		}
	}
}

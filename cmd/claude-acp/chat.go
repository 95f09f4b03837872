package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m4xw311/claude-acp/agent/terminal"
	"github.com/m4xw311/claude-acp/session"
	"github.com/spf13/cobra"
)

var (
	resumeID      string
	toolVerbosity string
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt...]",
	Short: "Run an interactive session in the terminal",
	Long: `chat runs prompt turns read from the terminal. Any arguments are joined
and sent as the first prompt. Type /quit or /exit to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return chat(cmd.Context(), os.Stdin, os.Stdout, strings.Join(args, " "))
	},
}

func init() {
	chatCmd.Flags().StringVarP(&resumeID, "resume", "r", "", "Resume the session with this id")
	chatCmd.Flags().StringVar(&toolVerbosity, "tool-verbosity", "info", "Tool output: none, info or all")
}

func chat(ctx context.Context, in io.Reader, out io.Writer, initialPrompt string) error {
	verbosity, err := terminal.ParseVerbosity(toolVerbosity)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	sess, err := openSession(ctx, a.sessions, resumeID)
	if err != nil {
		return err
	}
	if resumeID != "" {
		fmt.Fprintf(out, "Resuming session %s (%d messages)\n", sess.ID(), len(sess.History()))
	} else {
		fmt.Fprintf(out, "Starting session %s\n", sess.ID())
	}

	a.startTools(ctx)
	term := terminal.New(in, out, verbosity)
	runner, err := a.runner(term)
	if err != nil {
		return err
	}
	term.SetTurns(runner)

	err = term.Run(ctx, sess.ID(), initialPrompt)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func openSession(ctx context.Context, sessions *session.Store, id string) (*session.Session, error) {
	if id != "" {
		return sessions.Open(ctx, id)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return sessions.Create(ctx, wd)
}

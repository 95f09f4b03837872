package main

import (
	"context"
	"io"
	"os"

	"github.com/m4xw311/claude-acp/agent/acp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Agent Client Protocol on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), os.Stdin, os.Stdout)
	},
}

// serve runs until the client disconnects or ctx is done. Nothing else may
// write to out.
func serve(ctx context.Context, in io.Reader, out io.Writer) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	a.startTools(ctx)

	server := acp.New(a.sessions, a.logger)
	server.SetFilesystemAccess(a.cfg.FilesystemAccess)
	runner, err := a.runner(server)
	if err != nil {
		return err
	}
	server.SetTurns(runner)

	err = acp.Serve(ctx, server, in, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/m4xw311/claude-acp/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())
		return listSessions(cmd.Context(), a.sessions, os.Stdout)
	},
}

// listSessions prints sessions newest first.
func listSessions(ctx context.Context, sessions *session.Store, out io.Writer) error {
	infos, err := sessions.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tMESSAGES\tDIRECTORY")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", info.ID, info.CreatedAt.Local().Format(time.DateTime), info.Messages, info.Cwd)
	}
	return w.Flush()
}

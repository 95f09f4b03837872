package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "claude-acp",
	Short: "Agent Client Protocol adapter for a stream-json model process",
	Long: `claude-acp speaks the Agent Client Protocol on stdin/stdout and runs each
prompt turn against a supervised model subprocess, gating every tool call
through the configured permission rules.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: ~/.claude-acp/config.yaml then ./.claude-acp/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Write a debug log to the configured log directory")

	// editors launch the binary without arguments
	rootCmd.Args = cobra.NoArgs
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

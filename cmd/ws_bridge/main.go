// Command ws_bridge exposes an ACP agent subprocess over a WebSocket. Each
// connection gets its own subprocess; text frames are written to its stdin
// and every stdout or stderr line comes back as a JSON envelope.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/spf13/cobra"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope wraps one output line of the subprocess.
type envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

var addr string

var rootCmd = &cobra.Command{
	Use:   "ws_bridge [flags] [-- command args...]",
	Short: "Serve an ACP agent subprocess over WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{"claude-acp", "serve"}
		}
		http.HandleFunc("/ws", handleWS(args, logging.Logger))
		fmt.Fprintf(os.Stderr, "WebSocket server running on ws://%s/ws\n", addr)
		return http.ListenAndServe(addr, nil)
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Listen address")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleWS(cmdArgs []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		if err := bridge(ctx, conn, cmdArgs, logger); err != nil {
			logger.Warn("bridge stopped", "error", err)
		}
	}
}

// bridge runs the subprocess until the socket closes or the subprocess
// exits, whichever comes first.
func bridge(ctx context.Context, conn *websocket.Conn, cmdArgs []string, logger *slog.Logger) error {
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrapf(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", cmdArgs[0])
	}
	logger.Info("agent started", "command", cmdArgs[0], "pid", cmd.Process.Pid)

	// gorilla connections allow one concurrent writer
	var writeMu sync.Mutex
	send := func(typ, line string) error {
		b, err := json.Marshal(envelope{Type: typ, Data: line})
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, "stdout", send, logger)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, "stderr", send, logger)
	}()

	// The reader is unblocked by closing the socket once the agent exits.
	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent exited"))
		writeMu.Unlock()
		conn.Close()
	}()

	readErr := forward(conn, stdin)
	stdin.Close()
	select {
	case <-exited:
		return cmd.Wait()
	default:
	}
	logger.Info("websocket closed, stopping agent", "error", readErr)
	cmd.Process.Kill()
	<-exited
	cmd.Wait()
	return nil
}

// pump sends every line of r until EOF or a failed write.
func pump(r io.Reader, typ string, send func(typ, line string) error, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := send(typ, scanner.Text()); err != nil {
			logger.Warn("websocket write failed", "error", err)
			io.Copy(io.Discard, r)
			return
		}
	}
}

// forward writes each socket message to w as one line.
func forward(conn *websocket.Conn, w io.Writer) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := w.Write(append(msg, '\n')); err != nil {
			return err
		}
	}
}

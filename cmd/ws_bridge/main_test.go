package main

import (
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, cmdArgs ...string) *websocket.Conn {
	t.Helper()
	if _, err := exec.LookPath(cmdArgs[0]); err != nil {
		t.Skipf("%s not available", cmdArgs[0])
	}
	srv := httptest.NewServer(handleWS(cmdArgs, logging.Logger))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestBridgeEchoesStdout(t *testing.T) {
	conn := dial(t, "cat")

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, envelope{Type: "stdout", Data: msg}, env)
}

func TestBridgeForwardsStderrAndCloses(t *testing.T) {
	conn := dial(t, "sh", "-c", `echo 'bad "input"' >&2`)

	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, envelope{Type: "stderr", Data: `bad "input"`}, env)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

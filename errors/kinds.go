package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds raised by the turn execution core. Callers match them with Is;
// the annotated errors returned by New and Wrapf keep them in the chain.
var (
	// ErrProcessSpawn means the model executable could not be started.
	ErrProcessSpawn = stderrors.New("process spawn failed")
	// ErrProcessCrash means the model process exited or its stream broke
	// while it was expected to be running.
	ErrProcessCrash = stderrors.New("process crashed")
	// ErrCrashLoop means a session crashed too often to be respawned.
	ErrCrashLoop = stderrors.New("process crashed repeatedly")
	// ErrProcessTerminated means the process was stopped on purpose.
	ErrProcessTerminated = stderrors.New("process terminated")
	ErrProtocolDecode    = stderrors.New("protocol decode failed")
	ErrPermissionDenied  = stderrors.New("permission denied")
	// ErrPermissionCancelled means the request was dismissed or timed out.
	ErrPermissionCancelled = stderrors.New("permission request cancelled")
	ErrTurnLimitExceeded   = stderrors.New("turn request limit exceeded")
	ErrToolExecution       = stderrors.New("tool execution failed")
	ErrToolNotFound        = stderrors.New("tool not found")
	// ErrTurnInProgress is returned when a session already has an active turn.
	ErrTurnInProgress  = stderrors.New("turn already in progress")
	ErrSessionNotFound = stderrors.New("session not found")
)

// ExitError carries the exit status of a model process that ended
// unexpectedly.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from err. It returns -1 and false
// when err carries no ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return -1, false
}

package process

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/claude-acp/errors"
)

// State is the lifecycle state of a ManagedProcess.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateCrashed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ManagedProcess is one model subprocess bound to a session.
type ManagedProcess struct {
	sessionID   string
	cmd         *exec.Cmd
	logger      *slog.Logger
	gracePeriod time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	lines      chan []byte
	cancelRead context.CancelFunc

	state atomic.Int32

	cmdDone    chan struct{} // closed when the child has been reaped
	done       chan struct{} // closed by finish
	termErr    error         // set by finish, read after done closes
	finishOnce sync.Once

	stopping atomic.Bool
	stopOnce sync.Once
}

func (p *ManagedProcess) SessionID() string { return p.sessionID }

func (p *ManagedProcess) State() State { return State(p.state.Load()) }

// Pid returns the child's process id, or 0 before it started.
func (p *ManagedProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Err returns why the process ended, or nil while it runs.
func (p *ManagedProcess) Err() error {
	select {
	case <-p.done:
		return p.termErr
	default:
		return nil
	}
}

// Send writes one line to the child's stdin. Concurrent sends are
// serialised; a write that started is never interrupted by ctx.
func (p *ManagedProcess) Send(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch p.State() {
	case StateCrashed:
		return p.crashErr()
	case StateTerminated:
		return errors.Wrapf(errors.ErrProcessTerminated, "session %s", p.sessionID)
	}

	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line[:len(line):len(line)], '\n')
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(line); err != nil {
		if p.stopping.Load() {
			return errors.Wrapf(errors.ErrProcessTerminated, "session %s", p.sessionID)
		}
		return errors.Wrapf(errors.ErrProcessCrash, "write to session %s: %v", p.sessionID, err)
	}
	return nil
}

// Next returns the next stdout line. Once the child is gone and every
// buffered line was consumed it returns the termination error, which wraps
// errors.ErrProcessCrash or errors.ErrProcessTerminated. Next must have a
// single caller at a time.
func (p *ManagedProcess) Next(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-p.lines:
		if ok {
			return line, nil
		}
		<-p.done
		return nil, p.termErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ManagedProcess) crashErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return errors.Wrapf(errors.ErrProcessCrash, "session %s", p.sessionID)
}

// Terminate closes stdin, sends SIGTERM to the process group and waits up to
// the grace period before killing it. It blocks until the child is reaped.
// Safe to call more than once.
func (p *ManagedProcess) Terminate(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		p.writeMu.Lock()
		_ = p.stdin.Close()
		p.writeMu.Unlock()

		p.cancelRead()
		select {
		case <-p.cmdDone:
			return
		default:
		}
		if err := terminateGroup(p.cmd); err != nil {
			p.logger.Debug("failed to signal process group", "session_id", p.sessionID, "error", err)
		}

		select {
		case <-p.cmdDone:
		case <-time.After(p.gracePeriod):
			p.logger.Warn("process ignored SIGTERM, killing", "session_id", p.sessionID, "pid", p.Pid())
			_ = killGroup(p.cmd)
			<-p.cmdDone
		case <-ctx.Done():
			_ = killGroup(p.cmd)
			<-p.cmdDone
		}
	})
	<-p.done
	return nil
}

func (p *ManagedProcess) finish(state State, err error) {
	p.finishOnce.Do(func() {
		p.termErr = err
		p.state.Store(int32(state))
		close(p.lines)
		close(p.done)
	})
}

// readLoop is the only reader of stdout and the only sender on lines.
func (p *ManagedProcess) readLoop(ctx context.Context, stdout io.Reader, scannerBuffer int) {
	var scanErr error
	defer func() {
		if r := recover(); r != nil {
			_ = killGroup(p.cmd)
			scanErr = errors.New("reader panic: %v", r)
		}

		waitErr := wrapExitError(p.cmd.Wait())
		close(p.cmdDone)

		if p.stopping.Load() {
			p.finish(StateTerminated, errors.Wrapf(errors.ErrProcessTerminated, "session %s", p.sessionID))
			return
		}

		cause := scanErr
		if cause == nil {
			cause = waitErr
		}
		var err error
		if cause != nil {
			err = errors.Wrapf(errors.Join(errors.ErrProcessCrash, cause), "session %s", p.sessionID)
		} else {
			err = errors.Wrapf(errors.ErrProcessCrash, "session %s: output closed unexpectedly", p.sessionID)
		}
		code, _ := errors.ExitCode(err)
		p.logger.Warn("model process crashed", "session_id", p.sessionID, "pid", p.Pid(), "exit_code", code, "error", err)
		p.finish(StateCrashed, err)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(4096, scannerBuffer)), scannerBuffer)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)

		select {
		case p.lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		scanErr = errors.Wrapf(err, "scan output")
		_ = killGroup(p.cmd)
	}
}

// wrapExitError converts a non-zero *exec.ExitError to *errors.ExitError.
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !stderrors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == 0 {
		return nil
	}
	return &errors.ExitError{Code: code, Err: err}
}

// stderrLogger forwards the child's stderr to the logger, one record per
// line.
type stderrLogger struct {
	logger    *slog.Logger
	sessionID string
	mu        sync.Mutex
	buf       []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Info("model stderr", "session_id", w.sessionID, "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	// an unterminated line is flushed once it grows past 4KiB
	if len(w.buf) > 4096 {
		w.logger.Info("model stderr", "session_id", w.sessionID, "line", string(w.buf))
		w.buf = nil
	}
	return len(b), nil
}

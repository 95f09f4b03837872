package process

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns zero or one live model process per session.
type Supervisor struct {
	model config.Model
	opts  config.Process
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	procs   map[string]*ManagedProcess
	crashes map[string][]time.Time
	closed  bool
}

// NewSupervisor returns a supervisor launching model with the given process
// options. Zero options fall back to config.Default.
func NewSupervisor(model config.Model, opts config.Process, logger *slog.Logger) *Supervisor {
	def := config.Default().Process
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = def.OutputBuffer
	}
	if opts.ScannerBuffer <= 0 {
		opts.ScannerBuffer = def.ScannerBuffer
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = def.CrashWindow
	}
	if opts.CrashLimit <= 0 {
		opts.CrashLimit = def.CrashLimit
	}
	return &Supervisor{
		model:   model,
		opts:    opts,
		log:     logging.Or(logger),
		now:     time.Now,
		procs:   make(map[string]*ManagedProcess),
		crashes: make(map[string][]time.Time),
	}
}

// GetOrSpawn returns the Ready process bound to sessionID, spawning and
// binding one in dir when there is none.
func (s *Supervisor) GetOrSpawn(ctx context.Context, sessionID, dir string) (*ManagedProcess, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrProcessTerminated, "supervisor is shut down")
	}
	if p, ok := s.procs[sessionID]; ok && p.State() == StateReady {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.spawn(sessionID, dir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = p.Terminate(context.Background())
		return nil, errors.Wrapf(errors.ErrProcessTerminated, "supervisor is shut down")
	}
	if existing, ok := s.procs[sessionID]; ok && existing.State() == StateReady {
		// a concurrent call bound a process first
		s.mu.Unlock()
		go p.Terminate(context.Background())
		return existing, nil
	}
	s.procs[sessionID] = p
	s.mu.Unlock()
	return p, nil
}

// Respawn replaces the process of sessionID with a fresh one. It refuses
// with errors.ErrCrashLoop once the session was respawned CrashLimit times
// within CrashWindow.
func (s *Supervisor) Respawn(ctx context.Context, sessionID, dir string) (*ManagedProcess, error) {
	now := s.now()

	s.mu.Lock()
	recent := s.crashes[sessionID][:0]
	for _, t := range s.crashes[sessionID] {
		if now.Sub(t) < s.opts.CrashWindow {
			recent = append(recent, t)
		}
	}
	if len(recent) >= s.opts.CrashLimit {
		s.crashes[sessionID] = recent
		s.mu.Unlock()
		s.log.Error("session is crash looping", "session_id", sessionID, "crashes", len(recent), "window", s.opts.CrashWindow)
		return nil, errors.Wrapf(errors.ErrCrashLoop, "session %s crashed %d times within %s", sessionID, len(recent), s.opts.CrashWindow)
	}
	s.crashes[sessionID] = append(recent, now)
	old := s.procs[sessionID]
	delete(s.procs, sessionID)
	s.mu.Unlock()

	if old != nil {
		_ = old.Terminate(ctx)
	}
	s.log.Info("respawning model process", "session_id", sessionID)
	return s.GetOrSpawn(ctx, sessionID, dir)
}

// Terminate stops and unbinds the process of sessionID, if any.
func (s *Supervisor) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	p := s.procs[sessionID]
	delete(s.procs, sessionID)
	delete(s.crashes, sessionID)
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Terminate(ctx)
}

// Shutdown terminates every bound process concurrently and refuses new
// spawns. Every child is killed and reaped before it returns.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	procs := make([]*ManagedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procs = make(map[string]*ManagedProcess)
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error { return p.Terminate(ctx) })
	}
	err := g.Wait()
	s.log.Info("supervisor shut down", "processes", len(procs))
	return err
}

// Bound reports the number of bound processes.
func (s *Supervisor) Bound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) command() (string, []string) {
	args := append([]string(nil), s.model.Args...)
	if s.model.Name != "" {
		args = append(args, "--model", s.model.Name)
	}
	if s.model.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.model.SystemPrompt)
	}
	if s.model.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	return s.model.Command, args
}

func (s *Supervisor) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.model.Env))
	for k := range s.model.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.model.Env[k])
	}
	return env
}

func (s *Supervisor) spawn(sessionID, dir string) (*ManagedProcess, error) {
	name, args := s.command()
	binary, err := exec.LookPath(name)
	if err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrProcessSpawn, err), "session %s", sessionID)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = s.environ()
	cmd.Stderr = &stderrLogger{logger: s.log, sessionID: sessionID}
	// bounds Wait when a grandchild keeps stderr open
	cmd.WaitDelay = s.opts.GracePeriod
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrProcessSpawn, err), "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrProcessSpawn, err), "stdout pipe")
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	p := &ManagedProcess{
		sessionID:   sessionID,
		cmd:         cmd,
		logger:      s.log,
		gracePeriod: s.opts.GracePeriod,
		stdin:       stdin,
		lines:       make(chan []byte, s.opts.OutputBuffer),
		cancelRead:  cancelRead,
		cmdDone:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		cancelRead()
		return nil, errors.Wrapf(errors.Join(errors.ErrProcessSpawn, err), "start %s", binary)
	}
	p.state.Store(int32(StateReady))
	go p.readLoop(readCtx, stdout, s.opts.ScannerBuffer)

	s.log.Info("model process started", "session_id", sessionID, "pid", cmd.Process.Pid, "binary", binary, "dir", dir)
	return p, nil
}

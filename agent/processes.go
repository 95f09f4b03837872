package agent

import (
	"context"

	"github.com/m4xw311/claude-acp/process"
)

// Stream is the stdin/stdout pair of a model process. Streams are compared
// by identity, so implementations are pointers.
type Stream interface {
	Send(ctx context.Context, line []byte) error
	// Next blocks for the next output line. Errors wrapping
	// errors.ErrProcessCrash mean the process is gone.
	Next(ctx context.Context) ([]byte, error)
}

// Processes hands out the model process of a session. Acquire returns the
// same Stream for as long as the process lives.
type Processes interface {
	Acquire(ctx context.Context, sessionID, dir string) (Stream, error)
	// Respawn replaces a crashed process.
	Respawn(ctx context.Context, sessionID, dir string) (Stream, error)
	// Release stops the process of sessionID; the next Acquire starts a new
	// one.
	Release(ctx context.Context, sessionID string) error
}

// Supervised adapts a process.Supervisor to Processes.
func Supervised(s *process.Supervisor) Processes {
	return supervised{s}
}

type supervised struct {
	s *process.Supervisor
}

func (p supervised) Acquire(ctx context.Context, sessionID, dir string) (Stream, error) {
	mp, err := p.s.GetOrSpawn(ctx, sessionID, dir)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func (p supervised) Respawn(ctx context.Context, sessionID, dir string) (Stream, error) {
	mp, err := p.s.Respawn(ctx, sessionID, dir)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

func (p supervised) Release(ctx context.Context, sessionID string) error {
	return p.s.Terminate(ctx, sessionID)
}

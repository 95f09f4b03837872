package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/claude-acp/config"
	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
)

// Persistence is the durable source of truth for session history.
type Persistence interface {
	Create(ctx context.Context, info Info) error
	// Load returns the history of id, or errors.ErrSessionNotFound.
	Load(ctx context.Context, id string) (Info, []Message, error)
	Append(ctx context.Context, id string, msg Message) error
	List(ctx context.Context) ([]Info, error)
}

// Store holds the live sessions and enforces one active turn per session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	persistence Persistence
	policy      config.BusyPolicy
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// NewStore returns a store backed by p. A nil p keeps history in memory
// only.
func NewStore(p Persistence, policy config.BusyPolicy, logger *slog.Logger) *Store {
	if policy == "" {
		policy = config.BusyReject
	}
	return &Store{
		sessions:    make(map[string]*Session),
		persistence: p,
		policy:      policy,
		logger:      logging.Or(logger),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Create starts a new session rooted at cwd.
func (s *Store) Create(ctx context.Context, cwd string) (*Session, error) {
	info := Info{ID: s.newID(), Cwd: cwd, CreatedAt: s.now().UTC()}
	if s.persistence != nil {
		if err := s.persistence.Create(ctx, info); err != nil {
			return nil, errors.Wrapf(err, "failed to persist session %s", info.ID)
		}
	}
	sess := newSession(info, nil)

	s.mu.Lock()
	s.sessions[info.ID] = sess
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", info.ID, "cwd", cwd)
	return sess, nil
}

// Get returns a live session.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Open returns the live session id, loading it from persistence when it is
// not in memory.
func (s *Store) Open(ctx context.Context, id string) (*Session, error) {
	if sess, ok := s.Get(id); ok {
		return sess, nil
	}
	if s.persistence == nil {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}

	info, history, err := s.persistence.Load(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have loaded it meanwhile
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess := newSession(info, history)
	s.sessions[id] = sess
	s.logger.Info("session loaded", "session_id", id, "messages", len(history))
	return sess, nil
}

// List returns the persisted sessions.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	if s.persistence == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		infos := make([]Info, 0, len(s.sessions))
		for _, sess := range s.sessions {
			info := sess.info
			info.Messages = len(sess.History())
			infos = append(infos, info)
		}
		return infos, nil
	}
	return s.persistence.List(ctx)
}

// Remove forgets a live session. Persisted history is kept.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// BeginTurn starts a turn on session id and resets its request counter.
// With the reject policy a session that already runs a turn yields
// errors.ErrTurnInProgress; with the queue policy the call waits for the
// running turn to end or ctx to be done.
func (s *Store) BeginTurn(ctx context.Context, id string) (*Turn, error) {
	sess, ok := s.Get(id)
	if !ok {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}

	switch s.policy {
	case config.BusyQueue:
		select {
		case sess.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		select {
		case sess.turn <- struct{}{}:
		default:
			return nil, errors.Wrapf(errors.ErrTurnInProgress, "session %s", id)
		}
	}

	sess.mu.Lock()
	sess.turnRequestCount = 0
	sess.mu.Unlock()
	return &Turn{store: s, sess: sess}, nil
}

// Turn is the exclusive right to run one prompt turn on a session.
type Turn struct {
	store *Store
	sess  *Session
	once  sync.Once
}

func (t *Turn) Session() *Session { return t.sess }

// NextRequest counts one more model round-trip and returns the new count.
func (t *Turn) NextRequest() uint {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	t.sess.turnRequestCount++
	return t.sess.turnRequestCount
}

// RequestCount returns the round-trips made so far in this turn.
func (t *Turn) RequestCount() uint {
	return t.sess.TurnRequestCount()
}

// Append adds msg to the history and then to persistence. The in-memory
// history is updated even if persisting fails.
func (t *Turn) Append(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.store.now().UTC()
	}
	t.sess.mu.Lock()
	t.sess.history = append(t.sess.history, msg)
	t.sess.mu.Unlock()

	if t.store.persistence == nil {
		return nil
	}
	if err := t.store.persistence.Append(ctx, t.sess.ID(), msg); err != nil {
		return errors.Wrapf(err, "failed to persist message for session %s", t.sess.ID())
	}
	return nil
}

// End releases the turn. It is safe to call more than once.
func (t *Turn) End() {
	t.once.Do(func() {
		<-t.sess.turn
	})
}

package session

import (
	"sync"
	"time"
)

// Role is the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info describes a persisted session.
type Info struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Messages is only filled in by List.
	Messages int `json:"-"`
}

// Session is the in-memory state of one conversation. Its fields are only
// touched under mu, in short critical sections with no I/O.
type Session struct {
	info Info

	mu               sync.Mutex
	history          []Message
	turnRequestCount uint
	processKey       string

	// turn holds a token while a turn is active.
	turn chan struct{}
}

func newSession(info Info, history []Message) *Session {
	return &Session{
		info:    info,
		history: history,
		turn:    make(chan struct{}, 1),
	}
}

func (s *Session) ID() string { return s.info.ID }

func (s *Session) Cwd() string { return s.info.Cwd }

func (s *Session) Info() Info { return s.info }

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// TurnRequestCount is the number of model round-trips of the current or
// last turn.
func (s *Session) TurnRequestCount() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnRequestCount
}

// ProcessKey is the lookup key of the model process bound to the session,
// or "" when none is bound. The session does not own the process.
func (s *Session) ProcessKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processKey
}

// BindProcess records the process key serving this session.
func (s *Session) BindProcess(key string) {
	s.mu.Lock()
	s.processKey = key
	s.mu.Unlock()
}

// Active reports whether a turn is running.
func (s *Session) Active() bool {
	return len(s.turn) > 0
}

package permission

import (
	"context"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// MemoryStore keeps session and global decisions in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions []Decision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Lookup(_ context.Context, sessionID, toolName string) (Decision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := latestMatch(s.decisions, toolName, func(d Decision) bool {
		return d.Scope == ScopeSession && d.SessionID == sessionID
	}); ok {
		return d, true, nil
	}
	d, ok := latestMatch(s.decisions, toolName, func(d Decision) bool {
		return d.Scope == ScopeGlobal
	})
	return d, ok, nil
}

// Save remembers d, replacing an earlier decision with the same pattern and
// scope. Once-scoped decisions are not stored.
func (s *MemoryStore) Save(_ context.Context, d Decision) error {
	if d.Scope == ScopeOnce {
		return nil
	}
	if d.Scope == ScopeGlobal {
		d.SessionID = ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.decisions {
		if existing.ToolPattern == d.ToolPattern && existing.Scope == d.Scope && existing.SessionID == d.SessionID {
			s.decisions = append(s.decisions[:i], s.decisions[i+1:]...)
			break
		}
	}
	s.decisions = append(s.decisions, d)
	return nil
}

// ForgetSession drops the session-scoped decisions of sessionID.
func (s *MemoryStore) ForgetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.decisions[:0]
	for _, d := range s.decisions {
		if d.Scope == ScopeSession && d.SessionID == sessionID {
			continue
		}
		kept = append(kept, d)
	}
	s.decisions = kept
}

// Tiered keeps session decisions in Session and global ones in Global,
// usually a persistent store.
type Tiered struct {
	Session DecisionStore
	Global  DecisionStore
}

func (t Tiered) Lookup(ctx context.Context, sessionID, toolName string) (Decision, bool, error) {
	d, ok, err := t.Session.Lookup(ctx, sessionID, toolName)
	if err != nil || (ok && d.Scope == ScopeSession) {
		return d, ok, err
	}
	return t.Global.Lookup(ctx, sessionID, toolName)
}

func (t Tiered) Save(ctx context.Context, d Decision) error {
	if d.Scope == ScopeGlobal {
		return t.Global.Save(ctx, d)
	}
	return t.Session.Save(ctx, d)
}

// Matches reports whether a decision pattern applies to toolName.
func Matches(pattern, toolName string) bool {
	if pattern == toolName {
		return true
	}
	ok, err := doublestar.Match(pattern, toolName)
	return err == nil && ok
}

func latestMatch(decisions []Decision, toolName string, keep func(Decision) bool) (Decision, bool) {
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		if keep(d) && Matches(d.ToolPattern, toolName) {
			return d, true
		}
	}
	return Decision{}, false
}

// Package store persists session history and permission decisions in a
// SQLite database through gorm.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m4xw311/claude-acp/errors"
	"github.com/m4xw311/claude-acp/logging"
	"github.com/m4xw311/claude-acp/permission"
	"github.com/m4xw311/claude-acp/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLite implements session.Persistence and permission.DecisionStore.
type SQLite struct {
	db     *gorm.DB
	logger *slog.Logger

	// decisions caches the permission_decisions table, which is read on
	// every tool call and written rarely.
	mu        sync.RWMutex
	decisions []permission.Decision
	loaded    bool
}

var (
	_ session.Persistence      = (*SQLite)(nil)
	_ permission.DecisionStore = (*SQLite)(nil)
)

// Open opens or creates the database at path. The path ":memory:" opens a
// private in-memory database.
func Open(path string, debug bool, log *slog.Logger) (*SQLite, error) {
	log = logging.Or(log)
	if path != ":memory:" {
		if len(path) > 0 && path[0] == '~' {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	level := logger.Silent
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  (&gormLogger{log: log}).LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != ":memory:" {
		db.Exec("PRAGMA journal_mode=WAL")
	}
	db.Exec("PRAGMA busy_timeout=5000")

	if err := db.AutoMigrate(&SessionRow{}, &MessageRow{}, &DecisionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	return &SQLite{db: db, logger: log}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) Create(ctx context.Context, info session.Info) error {
	row := SessionRow{ID: info.ID, Cwd: info.Cwd, CreatedAt: info.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "failed to create session %s", info.ID)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, id string) (session.Info, []session.Message, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return session.Info{}, nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}
	if err != nil {
		return session.Info{}, nil, errors.Wrapf(err, "failed to load session %s", id)
	}

	var rows []MessageRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("id ASC").Find(&rows).Error; err != nil {
		return session.Info{}, nil, errors.Wrapf(err, "failed to load messages of session %s", id)
	}
	messages := make([]session.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, session.Message{Role: session.Role(r.Role), Content: r.Content, Timestamp: r.Timestamp})
	}
	return session.Info{ID: row.ID, Cwd: row.Cwd, CreatedAt: row.CreatedAt}, messages, nil
}

func (s *SQLite) Append(ctx context.Context, id string, msg session.Message) error {
	row := MessageRow{SessionID: id, Role: string(msg.Role), Content: msg.Content, Timestamp: msg.Timestamp}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "failed to append message to session %s", id)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]session.Info, error) {
	var rows []SessionRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list sessions")
	}

	var counts []struct {
		SessionID string
		N         int
	}
	if err := s.db.WithContext(ctx).Model(&MessageRow{}).
		Select("session_id, count(*) as n").
		Group("session_id").
		Scan(&counts).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to count messages")
	}
	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.SessionID] = c.N
	}

	infos := make([]session.Info, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, session.Info{ID: r.ID, Cwd: r.Cwd, CreatedAt: r.CreatedAt, Messages: byID[r.ID]})
	}
	return infos, nil
}

// Lookup returns the newest decision matching toolName, session decisions
// first.
func (s *SQLite) Lookup(ctx context.Context, sessionID, toolName string) (permission.Decision, bool, error) {
	if err := s.loadDecisions(ctx); err != nil {
		return permission.Decision{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var global *permission.Decision
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if !permission.Matches(d.ToolPattern, toolName) {
			continue
		}
		if d.Scope == permission.ScopeSession && d.SessionID == sessionID {
			return d, true, nil
		}
		if d.Scope == permission.ScopeGlobal && global == nil {
			global = &s.decisions[i]
		}
	}
	if global != nil {
		return *global, true, nil
	}
	return permission.Decision{}, false, nil
}

// Save upserts d. Once-scoped decisions are not stored.
func (s *SQLite) Save(ctx context.Context, d permission.Decision) error {
	if d.Scope == permission.ScopeOnce {
		return nil
	}
	if d.Scope == permission.ScopeGlobal {
		d.SessionID = ""
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.loadDecisions(ctx); err != nil {
		return err
	}

	row := DecisionRow{
		ToolPattern: d.ToolPattern,
		Scope:       d.Scope.String(),
		SessionID:   d.SessionID,
		Verdict:     d.Verdict.String(),
		CreatedAt:   d.CreatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tool_pattern"}, {Name: "scope"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"verdict", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save permission decision for %s", d.ToolPattern)
	}

	for i, existing := range s.decisions {
		if existing.ToolPattern == d.ToolPattern && existing.Scope == d.Scope && existing.SessionID == d.SessionID {
			s.decisions = append(s.decisions[:i], s.decisions[i+1:]...)
			break
		}
	}
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *SQLite) loadDecisions(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	var rows []DecisionRow
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return errors.Wrapf(err, "failed to load permission decisions")
	}
	decisions := make([]permission.Decision, 0, len(rows))
	for _, r := range rows {
		d := permission.Decision{ToolPattern: r.ToolPattern, SessionID: r.SessionID, CreatedAt: r.CreatedAt}
		switch r.Scope {
		case "global":
			d.Scope = permission.ScopeGlobal
		default:
			d.Scope = permission.ScopeSession
		}
		if r.Verdict == "denied" {
			d.Verdict = permission.Denied
		}
		decisions = append(decisions, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.decisions = decisions
		s.loaded = true
	}
	return nil
}

// gormLogger routes gorm logs to slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound):
		l.log.ErrorContext(ctx, "gorm query error", "error", err, "duration", elapsed, "sql", sql, "rows", rows)
	case elapsed > 200*time.Millisecond:
		l.log.WarnContext(ctx, "slow query", "duration", elapsed, "sql", sql, "rows", rows)
	default:
		l.log.DebugContext(ctx, "gorm query", "duration", elapsed, "sql", sql, "rows", rows)
	}
}

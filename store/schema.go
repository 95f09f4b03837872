package store

import "time"

// SessionRow is a persisted session.
type SessionRow struct {
	ID        string    `gorm:"primaryKey"`
	Cwd       string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null;index:idx_sessions_created_at"`
}

func (SessionRow) TableName() string { return "sessions" }

// MessageRow is one history message. ID orders messages within a session.
type MessageRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"not null;index:idx_messages_session"`
	Role      string    `gorm:"not null;check:role IN ('user','assistant')"`
	Content   string    `gorm:"not null;default:''"`
	Timestamp time.Time `gorm:"not null"`
}

func (MessageRow) TableName() string { return "messages" }

// DecisionRow is a remembered permission decision. SessionID is empty for
// global decisions.
type DecisionRow struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ToolPattern string    `gorm:"not null;uniqueIndex:idx_decision_key"`
	Scope       string    `gorm:"not null;uniqueIndex:idx_decision_key;check:scope IN ('session','global')"`
	SessionID   string    `gorm:"not null;default:'';uniqueIndex:idx_decision_key"`
	Verdict     string    `gorm:"not null;check:verdict IN ('granted','denied')"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (DecisionRow) TableName() string { return "permission_decisions" }

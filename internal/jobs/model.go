package jobs

import (
	"fmt"
	"time"

	"github.com/lib/pq"

	"remind/internal/delivery"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAttempting Status = "attempting"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a job in s still occupies its (session, kind, channel) slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAttempting
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCancelled SessionStatus = "cancelled"
)

// Session holds the booking facts needed to reissue reminders on reschedule.
type Session struct {
	ID         string            `gorm:"type:text;primaryKey" json:"id"`
	ClientID   string            `gorm:"type:text;index;not null" json:"clientId"`
	StartsAt   time.Time         `gorm:"type:timestamptz;not null" json:"startsAt"`
	Timezone   string            `gorm:"type:text;not null" json:"timezone"`
	Kinds      pq.StringArray    `gorm:"type:text[];not null;default:'{}'" json:"kinds"`
	Channels   pq.StringArray    `gorm:"type:text[];not null;default:'{}'" json:"channels"`
	Recipients map[string]string `gorm:"type:jsonb;serializer:json;not null" json:"recipients"`
	Vars       map[string]string `gorm:"type:jsonb;serializer:json;not null" json:"vars,omitempty"`
	Status     SessionStatus     `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt  time.Time         `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt  time.Time         `gorm:"not null;default:now()" json:"updatedAt"`
}

func (Session) TableName() string { return "reminder_sessions" }

// Job is one reminder to deliver on one channel.
//
// ScheduledFor is fixed at creation. Retries only move NextAttemptAt.
type Job struct {
	ID        string           `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string           `gorm:"type:text;index;not null" json:"sessionId"`
	ClientID  string           `gorm:"type:text;index;not null" json:"clientId"`
	Kind      string           `gorm:"type:text;not null" json:"kind"`
	Channel   delivery.Channel `gorm:"type:text;not null" json:"channel"`
	Recipient string           `gorm:"type:text;not null" json:"recipient"`
	Title     string           `gorm:"type:text;not null;default:''" json:"title"`
	Body      string           `gorm:"type:text;not null" json:"body"`

	ScheduledFor  time.Time `gorm:"type:timestamptz;not null" json:"scheduledFor"`
	NextAttemptAt time.Time `gorm:"type:timestamptz;not null" json:"nextAttemptAt"`

	Status        Status     `gorm:"type:text;index;not null;default:'pending'" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:3" json:"maxAttempts"`
	LastAttemptAt *time.Time `gorm:"type:timestamptz" json:"lastAttemptAt,omitempty"`
	LockedAt      *time.Time `gorm:"type:timestamptz" json:"-"`
	LastError     *string    `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (Job) TableName() string { return "reminder_jobs" }

func (j Job) maxAttempts() int {
	if j.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return j.MaxAttempts
}

func leaseExhaustedMsg(attempts int) string {
	return fmt.Sprintf("%v after %d attempts: claim lease expired", ErrExhaustedRetries, attempts)
}

func (j Job) Message() delivery.Message {
	return delivery.Message{
		Channel: j.Channel,
		To:      j.Recipient,
		Title:   j.Title,
		Body:    j.Body,
	}
}

// Stats counts jobs by state. Attempting jobs count as pending.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Stats) add(st Status, n int) {
	s.Total += n
	switch st {
	case StatusPending, StatusAttempting:
		s.Pending += n
	case StatusSent:
		s.Sent += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

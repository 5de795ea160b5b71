package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Plan is the billing plan flag on a user.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reminder statuses.
const (
	ReminderSent   = "sent"
	ReminderFailed = "failed"
)

type User struct {
	ID             string
	Name           string
	Plan           Plan
	Persona        string
	Phone          string
	RemindersOptIn bool
	LastActiveAt   *time.Time
	CreatedAt      time.Time
}

type Session struct {
	ID        string
	UserID    string
	Type      string
	StartedAt time.Time
	EndedAt   *time.Time
}

type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      string
	Tag       string
	Content   string
	CreatedAt time.Time
}

// Usage is the running per-user counter read and written by the quota gate.
// CallSeconds is tracked by the voice surface and only carried here.
type Usage struct {
	UserID       string
	MessageCount int
	CallSeconds  int
	UpdatedAt    time.Time
}

// UnderstandingProfile is the cumulative, replace-on-write view of a user.
type UnderstandingProfile struct {
	UserID             string
	Summary            string
	PersonalityTraits  []string
	CommunicationStyle string
	CoreValues         []string
	Interests          []string
	TopicsToExplore    []string
	GrowthAreas        []string
	Score              float64
	TotalSessions      int
	TotalMessages      int
	LastAnalyzedAt     time.Time
}

// IsEmpty reports whether the profile carries no narrative content.
func (p UnderstandingProfile) IsEmpty() bool {
	return p.Summary == "" &&
		len(p.PersonalityTraits) == 0 &&
		p.CommunicationStyle == "" &&
		len(p.CoreValues) == 0 &&
		len(p.Interests) == 0 &&
		len(p.TopicsToExplore) == 0 &&
		len(p.GrowthAreas) == 0
}

type ReminderRecord struct {
	ID          string
	UserID      string
	Type        string
	Status      string // "sent", "failed"
	ScheduledAt time.Time
	SentAt      *time.Time
	Note        string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

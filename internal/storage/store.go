package storage

import (
	"context"
	"fmt"
	"time"
)

// Repository is the capability set every persistence strategy provides.
// Callers depend on narrower subsets declared in their own packages.
type Repository interface {
	GetUser(ctx context.Context, id string) (User, error)
	SaveUser(ctx context.Context, u User) error
	TouchUser(ctx context.Context, id string, at time.Time) error
	// ListInactiveUsers returns opted-in users with a contact handle whose
	// last activity is before cutoff or who were never active.
	ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]User, error)

	CreateSession(ctx context.Context, s Session) error
	LatestOpenSession(ctx context.Context, userID string) (Session, error)
	EndSession(ctx context.Context, id string, at time.Time) error
	ListSessions(ctx context.Context, userID string) ([]Session, error)

	SaveMessage(ctx context.Context, m Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	ListUserMessages(ctx context.Context, userID string) ([]Message, error)
	CountMessages(ctx context.Context, userID string) (int, error)

	GetUsage(ctx context.Context, userID string) (Usage, error)
	SetUsage(ctx context.Context, userID string, count int) error

	GetProfile(ctx context.Context, userID string) (UnderstandingProfile, error)
	SaveProfile(ctx context.Context, p UnderstandingProfile) error

	SaveReminder(ctx context.Context, r ReminderRecord) error
	LastSentReminder(ctx context.Context, userID, reminderType string) (ReminderRecord, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open selects the persistence strategy for the whole process. It is called
// once at startup; nothing downstream branches on the backend again.
func Open(ctx context.Context, backend, dataDir, databaseURL string) (Repository, error) {
	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(dataDir)
	case BackendPostgres:
		return OpenPostgres(ctx, databaseURL)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// timeLayout is fixed-width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/storage"
)

// TypeChat is the session type tag for text conversations.
const TypeChat = "chat"

// Store is the persistence the manager needs.
type Store interface {
	LatestOpenSession(ctx context.Context, userID string) (storage.Session, error)
	CreateSession(ctx context.Context, s storage.Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager resolves which session a message belongs to. Sessions are
// bookkeeping: a store failure never stops a turn.
type Manager struct {
	store Store
	clock Clock
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, clock: realClock{}}
}

// NewManagerWithClock creates a Manager with an injectable clock for testing.
func NewManagerWithClock(store Store, clock Clock) *Manager {
	return &Manager{store: store, clock: clock}
}

// Resolution is the outcome of ResolveOrCreate.
type Resolution struct {
	Session storage.Session
	Created bool
	// Degraded is set when the id was generated locally because the store
	// could not create the session.
	Degraded bool
}

// ResolveOrCreate returns explicitID unchanged when given. Otherwise it reuses
// the user's latest open session or creates a new one.
func (m *Manager) ResolveOrCreate(ctx context.Context, userID, explicitID string) Resolution {
	if explicitID != "" {
		return Resolution{Session: storage.Session{ID: explicitID, UserID: userID, Type: TypeChat}}
	}

	s, err := m.store.LatestOpenSession(ctx, userID)
	if err == nil {
		return Resolution{Session: s}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("session lookup failed, creating a new one", "user_id", userID, "error", err)
	}

	return m.create(ctx, userID)
}

// Start always opens a new session, ending none.
func (m *Manager) Start(ctx context.Context, userID string) Resolution {
	return m.create(ctx, userID)
}

func (m *Manager) create(ctx context.Context, userID string) Resolution {
	s := storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      TypeChat,
		StartedAt: m.clock.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		slog.Warn("session create failed, continuing with local id", "user_id", userID, "session_id", s.ID, "error", err)
		return Resolution{Session: s, Created: true, Degraded: true}
	}
	return Resolution{Session: s, Created: true}
}

// End stamps the session's end time so the next message opens a new one.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	return m.store.EndSession(ctx, sessionID, m.clock.Now().UTC())
}

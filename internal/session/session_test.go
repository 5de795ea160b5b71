package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/companion/internal/storage"
)

type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

// failingStore wraps a MemoryStore and fails selected calls.
type failingStore struct {
	*storage.MemoryStore
	failLookup bool
	failCreate bool
}

func (f *failingStore) LatestOpenSession(ctx context.Context, userID string) (storage.Session, error) {
	if f.failLookup {
		return storage.Session{}, errors.New("db down")
	}
	return f.MemoryStore.LatestOpenSession(ctx, userID)
}

func (f *failingStore) CreateSession(ctx context.Context, s storage.Session) error {
	if f.failCreate {
		return errors.New("db down")
	}
	return f.MemoryStore.CreateSession(ctx, s)
}

func TestResolveOrCreate_ExplicitIDTrusted(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)

	r := m.ResolveOrCreate(context.Background(), "u1", "client-chosen")
	if r.Session.ID != "client-chosen" || r.Created {
		t.Errorf("resolution = %+v", r)
	}
	if _, err := store.LatestOpenSession(context.Background(), "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("explicit id should not touch the store")
	}
}

func TestResolveOrCreate_ReusesOpenSession(t *testing.T) {
	ctx := context.Background()
	clock := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManagerWithClock(storage.NewMemoryStore(), clock)

	first := m.ResolveOrCreate(ctx, "u1", "")
	if !first.Created || first.Degraded {
		t.Fatalf("first = %+v", first)
	}

	clock.now = clock.now.Add(time.Minute)
	second := m.ResolveOrCreate(ctx, "u1", "")
	if second.Created || second.Session.ID != first.Session.ID {
		t.Errorf("second = %+v, want reuse of %s", second, first.Session.ID)
	}
}

func TestResolveOrCreate_AfterEndCreatesNew(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryStore())

	first := m.ResolveOrCreate(ctx, "u1", "")
	if err := m.End(ctx, first.Session.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	second := m.ResolveOrCreate(ctx, "u1", "")
	if !second.Created || second.Session.ID == first.Session.ID {
		t.Errorf("expected a new session, got %+v", second)
	}
}

func TestResolveOrCreate_DegradedOnCreateFailure(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failCreate: true}
	r := NewManager(store).ResolveOrCreate(context.Background(), "u1", "")
	if !r.Degraded || r.Session.ID == "" {
		t.Errorf("resolution = %+v, want degraded with local id", r)
	}
}

func TestResolveOrCreate_LookupFailureStillCreates(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failLookup: true}
	r := NewManager(store).ResolveOrCreate(context.Background(), "u1", "")
	if !r.Created || r.Degraded {
		t.Errorf("resolution = %+v", r)
	}
}

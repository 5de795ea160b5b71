package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/companion/internal/storage"
)

func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	return storage.NewMemoryStore()
}

func TestCheck_FreeUnderLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SaveUser(ctx, storage.User{ID: "u1", Plan: storage.PlanFree})
	s.SetUsage(ctx, "u1", 19)

	d, err := NewGate(s, 20).Check(ctx, "u1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Count != 19 || d.Limit != 20 {
		t.Errorf("decision = %+v", d)
	}
	if d.Err() != nil {
		t.Errorf("Err() = %v for allowed decision", d.Err())
	}
}

func TestCheck_FreeAtLimitDenied(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SaveUser(ctx, storage.User{ID: "u1"})
	s.SetUsage(ctx, "u1", 20)

	d, err := NewGate(s, 20).Check(ctx, "u1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Fatal("free user at limit was admitted")
	}
	var pw *PaywallError
	if !errors.As(d.Err(), &pw) || pw.Count != 20 || pw.Limit != 20 {
		t.Errorf("Err() = %v", d.Err())
	}

	// Check never mutates.
	u, _ := s.GetUsage(ctx, "u1")
	if u.MessageCount != 20 {
		t.Errorf("count changed to %d", u.MessageCount)
	}
}

func TestCheck_PremiumUnlimited(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SaveUser(ctx, storage.User{ID: "u1", Plan: storage.PlanPremium})
	s.SetUsage(ctx, "u1", 500)

	d, _ := NewGate(s, 20).Check(ctx, "u1")
	if !d.Allowed {
		t.Error("premium user denied")
	}
}

func TestCheck_UnknownUserIsFree(t *testing.T) {
	d, err := NewGate(newStore(t), 20).Check(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Plan != storage.PlanFree || d.Count != 0 {
		t.Errorf("decision = %+v", d)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	g := NewGate(s, 20)

	for want := 1; want <= 3; want++ {
		got, err := g.Increment(ctx, "u1")
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}
}

// TestCheckThenIncrementRace documents that two turns checked before either
// increments are both admitted.
func TestCheckThenIncrementRace(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SetUsage(ctx, "u1", 19)
	g := NewGate(s, 20)

	d1, _ := g.Check(ctx, "u1")
	d2, _ := g.Check(ctx, "u1")
	if !d1.Allowed || !d2.Allowed {
		t.Fatal("expected both concurrent checks to pass")
	}
	g.Increment(ctx, "u1")
	g.Increment(ctx, "u1")

	u, _ := s.GetUsage(ctx, "u1")
	if u.MessageCount != 21 {
		t.Errorf("count = %d, want 21", u.MessageCount)
	}
}

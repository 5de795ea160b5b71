package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/companion/internal/storage"
)

// Store is the persistence the gate needs.
type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	GetUsage(ctx context.Context, userID string) (storage.Usage, error)
	SetUsage(ctx context.Context, userID string, count int) error
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	Plan    storage.Plan
}

// PaywallError is returned when a free user has used up their messages.
type PaywallError struct {
	Count int
	Limit int
}

func (e *PaywallError) Error() string {
	return fmt.Sprintf("free message limit reached (%d/%d)", e.Count, e.Limit)
}

// Gate enforces the free-plan message limit.
//
// Check and Increment are separate, unlocked steps: two concurrent turns
// from one user can both pass Check before either increments.
type Gate struct {
	store Store
	limit int
}

func NewGate(store Store, freeLimit int) *Gate {
	return &Gate{store: store, limit: freeLimit}
}

// Limit returns the free-plan message limit.
func (g *Gate) Limit() int { return g.limit }

// Check reads the user's plan and counter without mutating anything.
// Unknown users are treated as free. A failed counter read admits the
// message and is logged.
func (g *Gate) Check(ctx context.Context, userID string) (Decision, error) {
	d := Decision{Allowed: true, Limit: g.limit, Plan: storage.PlanFree}

	u, err := g.store.GetUser(ctx, userID)
	switch {
	case err == nil:
		d.Plan = u.Plan
	case errors.Is(err, storage.ErrNotFound):
	default:
		slog.Warn("quota: reading user failed, assuming free plan", "user_id", userID, "error", err)
	}

	usage, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		slog.Warn("quota: reading usage failed, admitting message", "user_id", userID, "error", err)
		return d, nil
	}
	d.Count = usage.MessageCount

	if d.Plan != storage.PlanPremium && d.Count >= g.limit {
		d.Allowed = false
	}
	return d, nil
}

// Err converts a denied decision into a *PaywallError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &PaywallError{Count: d.Count, Limit: d.Limit}
}

// Increment re-reads the counter and stores it plus one, returning the new
// value. It is called only after a reply was generated and persisted.
func (g *Gate) Increment(ctx context.Context, userID string) (int, error) {
	usage, err := g.store.GetUsage(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reading usage: %w", err)
	}
	next := usage.MessageCount + 1
	if err := g.store.SetUsage(ctx, userID, next); err != nil {
		return 0, fmt.Errorf("writing usage: %w", err)
	}
	return next, nil
}

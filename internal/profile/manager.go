package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/companion/internal/cache"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Repository.
type Store interface {
	GetProfile(ctx context.Context, userID string) (storage.UnderstandingProfile, error)
	ListSessions(ctx context.Context, userID string) ([]storage.Session, error)
	CountMessages(ctx context.Context, userID string) (int, error)
}

// Fetch path names reported as cache.Result.Source.
const (
	SourceFast    = "fast"
	SourceDurable = "durable"
)

// Options configures the Manager's caches.
type Options struct {
	ProfileTTL     time.Duration
	ProgressionTTL time.Duration
	Staleness      time.Duration
	Capacity       int
	// FastPath enables the precomputed-row path ahead of the live path.
	FastPath bool
	Clock    cache.Clock
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		ProfileTTL:     5 * time.Minute,
		ProgressionTTL: time.Hour,
		Staleness:      time.Hour,
		Capacity:       10000,
		FastPath:       true,
	}
}

// Manager provides cached access to each user's understanding profile and
// the stats and progression views derived from it.
//
// Every view is fetched through an ordered chain: the fast path reads the
// precomputed profile row; the durable path recounts sessions and messages
// live. Views are cached per user and dropped by Invalidate.
type Manager struct {
	store Store

	profiles    *cache.Cache[storage.UnderstandingProfile]
	stats       *cache.Cache[understanding.Stats]
	progression *cache.Cache[understanding.ProgressionView]
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts Options) (*Manager, error) {
	m := &Manager{store: store}

	profileOpts := cache.Options{TTL: opts.ProfileTTL, Staleness: opts.Staleness, Capacity: opts.Capacity, Clock: opts.Clock}
	progressionOpts := profileOpts
	progressionOpts.TTL = opts.ProgressionTTL

	var err error
	m.profiles, err = cache.New[storage.UnderstandingProfile](profileOpts, chain(opts.FastPath,
		cache.Fetcher[storage.UnderstandingProfile]{Name: SourceFast, Fetch: m.fastProfile},
		cache.Fetcher[storage.UnderstandingProfile]{Name: SourceDurable, Fetch: m.durableProfile},
	)...)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	m.stats, err = cache.New[understanding.Stats](profileOpts, chain(opts.FastPath,
		cache.Fetcher[understanding.Stats]{Name: SourceFast, Fetch: m.fastStats},
		cache.Fetcher[understanding.Stats]{Name: SourceDurable, Fetch: m.durableStats},
	)...)
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	m.progression, err = cache.New[understanding.ProgressionView](progressionOpts, chain(opts.FastPath,
		cache.Fetcher[understanding.ProgressionView]{Name: SourceFast, Fetch: m.fastProgression},
		cache.Fetcher[understanding.ProgressionView]{Name: SourceDurable, Fetch: m.durableProgression},
	)...)
	if err != nil {
		return nil, fmt.Errorf("progression cache: %w", err)
	}
	return m, nil
}

func chain[T any](fastPath bool, fast, durable cache.Fetcher[T]) []cache.Fetcher[T] {
	if !fastPath {
		return []cache.Fetcher[T]{durable}
	}
	return []cache.Fetcher[T]{fast, durable}
}

// Profile returns the user's understanding profile. The error wraps
// storage.ErrNotFound when no profile has been computed yet.
func (m *Manager) Profile(ctx context.Context, userID string) (cache.Result[storage.UnderstandingProfile], error) {
	res, err := m.profiles.Get(ctx, userID)
	if err != nil {
		return res, err
	}
	res.Value = deepCopyProfile(res.Value)
	return res, nil
}

// Stats returns the user's engagement stats.
func (m *Manager) Stats(ctx context.Context, userID string) (cache.Result[understanding.Stats], error) {
	return m.stats.Get(ctx, userID)
}

// Progression returns the user's understanding progression.
func (m *Manager) Progression(ctx context.Context, userID string) (cache.Result[understanding.ProgressionView], error) {
	res, err := m.progression.Get(ctx, userID)
	if err != nil {
		return res, err
	}
	steps := make([]understanding.Step, len(res.Value.Progression))
	copy(steps, res.Value.Progression)
	res.Value.Progression = steps
	return res, nil
}

// Invalidate drops every cached view of userID.
func (m *Manager) Invalidate(userID string) {
	m.profiles.Invalidate(userID)
	m.stats.Invalidate(userID)
	m.progression.Invalidate(userID)
}

// Wait blocks until background refreshes have finished.
func (m *Manager) Wait() {
	m.profiles.Wait()
	m.stats.Wait()
	m.progression.Wait()
}

func (m *Manager) fastProfile(ctx context.Context, userID string) (storage.UnderstandingProfile, error) {
	return m.store.GetProfile(ctx, userID)
}

// durableProfile reads the stored narrative and refreshes its counters and
// score from the live tables.
func (m *Manager) durableProfile(ctx context.Context, userID string) (storage.UnderstandingProfile, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return storage.UnderstandingProfile{}, err
	}
	sessions, messages, err := m.liveCounts(ctx, userID)
	if err != nil {
		return storage.UnderstandingProfile{}, err
	}
	p.TotalSessions = sessions
	p.TotalMessages = messages
	p.Score = understanding.Score(sessions)
	return p, nil
}

func (m *Manager) fastStats(ctx context.Context, userID string) (understanding.Stats, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return understanding.Stats{}, err
	}
	analyzed := p.LastAnalyzedAt
	return understanding.NewStats(p.TotalSessions, p.TotalMessages, &analyzed), nil
}

func (m *Manager) durableStats(ctx context.Context, userID string) (understanding.Stats, error) {
	sessions, messages, err := m.liveCounts(ctx, userID)
	if err != nil {
		return understanding.Stats{}, err
	}
	var analyzed *time.Time
	p, err := m.store.GetProfile(ctx, userID)
	switch {
	case err == nil:
		analyzed = &p.LastAnalyzedAt
	case !isNotFound(err):
		return understanding.Stats{}, fmt.Errorf("loading profile: %w", err)
	}
	return understanding.NewStats(sessions, messages, analyzed), nil
}

func (m *Manager) fastProgression(ctx context.Context, userID string) (understanding.ProgressionView, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return understanding.ProgressionView{}, err
	}
	return understanding.NewProgressionView(p.TotalSessions), nil
}

func (m *Manager) durableProgression(ctx context.Context, userID string) (understanding.ProgressionView, error) {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return understanding.ProgressionView{}, fmt.Errorf("listing sessions: %w", err)
	}
	return understanding.NewProgressionView(len(sessions)), nil
}

func (m *Manager) liveCounts(ctx context.Context, userID string) (sessions, messages int, err error) {
	list, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing sessions: %w", err)
	}
	messages, err = m.store.CountMessages(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return len(list), messages, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func deepCopyProfile(p storage.UnderstandingProfile) storage.UnderstandingProfile {
	cp := p
	cp.PersonalityTraits = copyStrings(p.PersonalityTraits)
	cp.CoreValues = copyStrings(p.CoreValues)
	cp.Interests = copyStrings(p.Interests)
	cp.TopicsToExplore = copyStrings(p.TopicsToExplore)
	cp.GrowthAreas = copyStrings(p.GrowthAreas)
	return cp
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	cp := make([]string, len(s))
	copy(cp, s)
	return cp
}

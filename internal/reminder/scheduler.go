package reminder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/storage"
)

// TypeInactivity is the reminder type sent to users who stopped chatting.
const TypeInactivity = "inactivity"

// Store is the persistence the scheduler needs.
type Store interface {
	ListInactiveUsers(ctx context.Context, cutoff time.Time) ([]storage.User, error)
	LastSentReminder(ctx context.Context, userID, reminderType string) (storage.ReminderRecord, error)
	SaveReminder(ctx context.Context, r storage.ReminderRecord) error
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Scheduler.
type Options struct {
	// RunAt is the daily trigger time as "HH:MM" in Location.
	RunAt          string
	Location       *time.Location
	InactivityDays int
	CooldownDays   int
	BatchSize      int
	BatchDelay     time.Duration
}

// Report summarises one run.
type Report struct {
	Candidates int
	Sent       int
	Skipped    int
	Failed     int
}

// Scheduler sends templated reminders to inactive users once a day.
type Scheduler struct {
	store    Store
	gateway  Gateway
	personas *persona.Catalog
	opts     Options
	hour     int
	minute   int
	clock    Clock
	logger   *slog.Logger
}

// NewScheduler validates opts and creates a Scheduler.
func NewScheduler(store Store, gateway Gateway, personas *persona.Catalog, opts Options) (*Scheduler, error) {
	hour, minute, err := ParseRunAt(opts.RunAt)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.InactivityDays <= 0 {
		opts.InactivityDays = 3
	}
	if opts.CooldownDays <= 0 {
		opts.CooldownDays = 7
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &Scheduler{
		store:    store,
		gateway:  gateway,
		personas: personas,
		opts:     opts,
		hour:     hour,
		minute:   minute,
		clock:    realClock{},
		logger:   slog.Default(),
	}, nil
}

// SetClock replaces the clock (for testing).
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// ParseRunAt parses an "HH:MM" wall-clock time.
func ParseRunAt(v string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid run time %q: want HH:MM", v)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid run time %q: bad hour", v)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid run time %q: bad minute", v)
	}
	return hour, minute, nil
}

// NextRun returns the first trigger time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	local := now.In(s.opts.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.opts.Location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run fires RunOnce at the configured time every day until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.NextRun(s.clock.Now())
		s.logger.Info("next reminder run scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("reminder run failed", "error", err)
			continue
		}
		s.logger.Info("reminder run finished",
			"candidates", report.Candidates, "sent", report.Sent,
			"skipped", report.Skipped, "failed", report.Failed)
	}
}

// RunOnce finds inactive users and sends each one a reminder unless one was
// sent within the cooldown. One user's failure never stops the run; a
// cancelled ctx does, and the partial report is returned with ctx.Err().
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	now := s.clock.Now()
	cutoff := now.Add(-days(s.opts.InactivityDays))

	users, err := s.store.ListInactiveUsers(ctx, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("listing inactive users: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Candidates: len(users)}
	)
	count := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSent:
			report.Sent++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	// At most BatchSize dispatches are in flight, and every BatchSize
	// launches the run pauses for BatchDelay.
	var g errgroup.Group
	g.SetLimit(s.opts.BatchSize)
	for i, u := range users {
		if i > 0 && i%s.opts.BatchSize == 0 && s.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.opts.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			count(s.remind(ctx, u, now))
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (s *Scheduler) remind(ctx context.Context, u storage.User, now time.Time) outcome {
	last, err := s.store.LastSentReminder(ctx, u.ID, TypeInactivity)
	switch {
	case err == nil:
		if last.SentAt != nil && now.Sub(*last.SentAt) < days(s.opts.CooldownDays) {
			return outcomeSkipped
		}
	case !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("reminder cooldown lookup failed", "user_id", u.ID, "error", err)
		return outcomeFailed
	}

	rec := storage.ReminderRecord{
		ID:          uuid.NewString(),
		UserID:      u.ID,
		Type:        TypeInactivity,
		ScheduledAt: now,
	}

	text, err := s.render(u, now)
	if err == nil {
		err = s.gateway.Send(ctx, u.Phone, text)
	}
	if err != nil {
		rec.Status = storage.ReminderFailed
		rec.Note = err.Error()
		s.logger.Warn("reminder dispatch failed", "user_id", u.ID, "error", err)
	} else {
		sent := s.clock.Now()
		rec.Status = storage.ReminderSent
		rec.SentAt = &sent
	}

	if saveErr := s.store.SaveReminder(ctx, rec); saveErr != nil {
		s.logger.Error("saving reminder record failed", "user_id", u.ID, "error", saveErr)
	}
	if err != nil {
		return outcomeFailed
	}
	return outcomeSent
}

type templateData struct {
	Name         string
	Persona      string
	DaysInactive int
}

// render fills the user's persona reminder template.
func (s *Scheduler) render(u storage.User, now time.Time) (string, error) {
	p := s.personas.Resolve(u.Persona)
	name := u.Name
	if name == "" {
		name = "there"
	}
	since := u.CreatedAt
	if u.LastActiveAt != nil {
		since = *u.LastActiveAt
	}
	data := templateData{
		Name:         name,
		Persona:      p.Name,
		DaysInactive: DaysInactive(since, now),
	}

	var buf bytes.Buffer
	if err := p.Reminder().Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s reminder: %w", p.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// DaysInactive counts whole days between since and now.
func DaysInactive(since, now time.Time) int {
	if since.IsZero() || !now.After(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

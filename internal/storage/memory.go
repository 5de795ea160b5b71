package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Data lives for the
// lifetime of the process and is never evicted.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	sessions  map[string]Session
	messages  map[string][]Message // by session id, insertion order
	usage     map[string]Usage
	profiles  map[string]UnderstandingProfile
	reminders []ReminderRecord
	jobs      map[string]*Job
	jobOrder  []string
	now       func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		usage:    make(map[string]Usage),
		profiles: make(map[string]UnderstandingProfile),
		jobs:     make(map[string]*Job),
		now:      time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) SaveUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) TouchUser(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	u.LastActiveAt = &at
	m.users[id] = u
	return nil
}

func (m *MemoryStore) ListInactiveUsers(_ context.Context, cutoff time.Time) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if !u.RemindersOptIn || u.Phone == "" {
			continue
		}
		if u.LastActiveAt == nil || u.LastActiveAt.Before(cutoff) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) LatestOpenSession(_ context.Context, userID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest Session
	found := false
	for _, s := range m.sessions {
		if s.UserID != userID || s.EndedAt != nil {
			continue
		}
		if !found || s.StartedAt.After(latest.StartedAt) {
			latest = s
			found = true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) EndSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.EndedAt != nil {
		return ErrNotFound
	}
	s.EndedAt = &at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Message(nil), m.messages[sessionID]...)
	sortMessages(out)
	return out, nil
}

func (m *MemoryStore) ListUserMessages(_ context.Context, userID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.UserID == userID {
				out = append(out, msg)
			}
		}
	}
	sortMessages(out)
	return out, nil
}

// sortMessages orders by creation time, falling back to id for equal times.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func (m *MemoryStore) CountMessages(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.UserID == userID {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) GetUsage(_ context.Context, userID string) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.usage[userID]; ok {
		return u, nil
	}
	return Usage{UserID: userID}, nil
}

func (m *MemoryStore) SetUsage(_ context.Context, userID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[userID]
	u.UserID = userID
	u.MessageCount = count
	u.UpdatedAt = m.now()
	m.usage[userID] = u
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (UnderstandingProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return UnderstandingProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, p UnderstandingProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

func (m *MemoryStore) SaveReminder(_ context.Context, r ReminderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders = append(m.reminders, r)
	return nil
}

func (m *MemoryStore) LastSentReminder(_ context.Context, userID, reminderType string) (ReminderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last ReminderRecord
	found := false
	for _, r := range m.reminders {
		if r.UserID != userID || r.Type != reminderType || r.Status != ReminderSent || r.SentAt == nil {
			continue
		}
		if !found || r.SentAt.After(*last.SentAt) {
			last = r
			found = true
		}
	}
	if !found {
		return ReminderRecord{}, ErrNotFound
	}
	return last, nil
}

func (m *MemoryStore) EnqueueJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	job.Status = "pending"
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = &job
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *MemoryStore) ClaimNextJob(_ context.Context, types []string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var next *Job
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != "pending" || j.RunAfter.After(now) || !containsString(types, j.Type) {
			continue
		}
		if next == nil || j.RunAfter.Before(next.RunAfter) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = "running"
	next.UpdatedAt = now
	claimed := *next
	return &claimed, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = "completed"
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	j.Attempts++
	j.LastError = errMsg
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		j.Status = "failed"
	} else {
		j.Status = "pending"
		j.RunAfter = now.Add(jobBackoff(j.Attempts))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

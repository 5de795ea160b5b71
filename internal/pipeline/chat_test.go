package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/profile"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/relay"
	"github.com/kalambet/companion/internal/session"
	"github.com/kalambet/companion/internal/storage"
)

// --- Mocks ---

type fakeStream struct {
	chunks []string
	err    error
	i      int
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeEngine struct {
	chunks  []string
	openErr error
	midErr  error

	requests []engine.Request
	last     *fakeStream
}

func (e *fakeEngine) Stream(_ context.Context, req engine.Request) (engine.Stream, error) {
	e.requests = append(e.requests, req)
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.last = &fakeStream{chunks: e.chunks, err: e.midErr}
	return e.last, nil
}

func (e *fakeEngine) Complete(context.Context, engine.Request) (string, error) {
	return "", errors.New("not used")
}

type recordingTrigger struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingTrigger) Trigger(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

// stepClock advances one second on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingSink struct {
	frames []relay.Frame
	onSend func(n int)
}

func (s *recordingSink) Send(f relay.Frame) error {
	s.frames = append(s.frames, f)
	if s.onSend != nil {
		s.onSend(len(s.frames))
	}
	return nil
}

// failingMessages rejects every message write.
type failingMessages struct {
	*storage.MemoryStore
}

func (failingMessages) SaveMessage(context.Context, storage.Message) error {
	return errors.New("disk full")
}

// --- Helpers ---

type fixture struct {
	chat    *Chat
	store   *storage.MemoryStore
	engine  *fakeEngine
	trigger *recordingTrigger
}

const freeLimit = 3

func newFixture(t *testing.T, eng *fakeEngine) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	catalog, err := persona.Load("")
	if err != nil {
		t.Fatalf("persona.Load: %v", err)
	}
	profiles, err := profile.NewManager(mem, profile.DefaultOptions())
	if err != nil {
		t.Fatalf("profile.NewManager: %v", err)
	}
	if err := mem.SaveUser(context.Background(), storage.User{ID: "u1", Name: "Ada", Persona: string(persona.Mentor)}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	clock := &stepClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	trigger := &recordingTrigger{}
	chat := New(Deps{
		Store:    mem,
		Sessions: session.NewManagerWithClock(mem, clock),
		Quota:    quota.NewGate(mem, freeLimit),
		Personas: catalog,
		Engine:   eng,
		Profiles: profiles,
		Trigger:  trigger,
	}, Options{Model: "test-model", HistoryWindow: 6, TriggerEvery: 5})
	chat.SetClock(clock)
	return &fixture{chat: chat, store: mem, engine: eng, trigger: trigger}
}

func (f *fixture) turn(t *testing.T, content string) (*Turn, *recordingSink, error) {
	t.Helper()
	turn, err := f.chat.Prepare(context.Background(), Request{UserID: "u1", Content: content})
	if err != nil {
		return nil, nil, err
	}
	sink := &recordingSink{}
	return turn, sink, turn.Stream(context.Background(), sink)
}

func (f *fixture) usage(t *testing.T) int {
	t.Helper()
	u, err := f.store.GetUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	return u.MessageCount
}

func (f *fixture) messages(t *testing.T) []storage.Message {
	t.Helper()
	msgs, err := f.store.ListUserMessages(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListUserMessages: %v", err)
	}
	return msgs
}

func tenChunks() []string {
	out := make([]string, 10)
	for i := range out {
		out[i] = fmt.Sprintf("part%d ", i)
	}
	return out
}

// --- Tests ---

func TestTurn_Completes(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"Hello", " Ada"}})

	turn, sink, err := f.turn(t, "  hi there  ")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[0].Content != "hi there" || msgs[0].Tag != DefaultTag {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != storage.RoleAssistant || msgs[1].Content != "Hello Ada" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[0].SessionID != turn.SessionID() || msgs[1].SessionID != turn.SessionID() {
		t.Error("messages not stored under the turn's session")
	}

	if got := f.usage(t); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}
	if len(f.trigger.users) != 1 {
		t.Errorf("trigger calls = %d, want 1 for the first message", len(f.trigger.users))
	}

	if len(sink.frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(sink.frames))
	}
	done := sink.frames[2]
	if !done.Done || done.SessionID != turn.SessionID() || done.MessageCount != 1 ||
		done.MessageLimit != freeLimit || done.FullResponse != "Hello Ada" {
		t.Errorf("done frame = %+v", done)
	}
	if !f.engine.last.closed {
		t.Error("stream not closed")
	}

	req := f.engine.requests[0]
	if req.Model != "test-model" || !strings.Contains(req.System, "Alex") {
		t.Errorf("request model/system unexpected: %q / %q", req.Model, req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hi there" {
		t.Errorf("request messages = %+v", req.Messages)
	}
}

func TestPrepare_EmptyMessage(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"x"}})

	_, err := f.chat.Prepare(context.Background(), Request{UserID: "u1", Content: "   "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(f.messages(t)) != 0 || len(f.engine.requests) != 0 {
		t.Error("side effects on validation failure")
	}
}

func TestPrepare_PaywallPersistsNothing(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"x"}})
	ctx := context.Background()
	f.store.SetUsage(ctx, "u1", freeLimit)

	_, err := f.chat.Prepare(ctx, Request{UserID: "u1", Content: "one more?"})
	var pw *quota.PaywallError
	if !errors.As(err, &pw) {
		t.Fatalf("err = %v, want *quota.PaywallError", err)
	}
	if pw.Count != freeLimit || pw.Limit != freeLimit {
		t.Errorf("paywall = %+v", pw)
	}
	if len(f.messages(t)) != 0 {
		t.Error("message persisted despite paywall")
	}
	if sessions, _ := f.store.ListSessions(ctx, "u1"); len(sessions) != 0 {
		t.Errorf("sessions created despite paywall: %d", len(sessions))
	}
	if len(f.engine.requests) != 0 {
		t.Error("engine called despite paywall")
	}
}

func TestPrepare_PremiumIgnoresLimit(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"sure"}})
	ctx := context.Background()
	f.store.SaveUser(ctx, storage.User{ID: "u1", Plan: storage.PlanPremium})
	f.store.SetUsage(ctx, "u1", 100)

	if _, _, err := f.turn(t, "still here"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if got := f.usage(t); got != 101 {
		t.Errorf("usage = %d, want 101", got)
	}
}

func TestTurn_CancelAfterThreeOfTen(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: tenChunks()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn, err := f.chat.Prepare(ctx, Request{UserID: "u1", Content: "tell me a story"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	sink := &recordingSink{onSend: func(n int) {
		if n == 3 {
			cancel()
		}
	}}

	err = turn.Stream(ctx, sink)
	if !errors.Is(err, relay.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}

	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Errorf("messages = %+v, want only the user message", msgs)
	}
	if got := f.usage(t); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
	if len(f.trigger.users) != 0 {
		t.Error("recompute triggered for an aborted turn")
	}
}

func TestPrepare_UpstreamErrorBeforeStreaming(t *testing.T) {
	f := newFixture(t, &fakeEngine{openErr: errors.New("503 from provider")})

	_, err := f.chat.Prepare(context.Background(), Request{UserID: "u1", Content: "hello"})
	var upErr *relay.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *relay.UpstreamError", err)
	}
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Errorf("messages = %+v, want the user message retained", msgs)
	}
	if got := f.usage(t); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestTurn_InterruptedMidStream(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"Once", " upon"}, midErr: errors.New("connection reset")})

	_, sink, err := f.turn(t, "story please")
	if !errors.Is(err, relay.ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	last := sink.frames[len(sink.frames)-1]
	if last.Error == "" || !last.Done {
		t.Errorf("last frame = %+v, want terminal error frame", last)
	}
	if n := len(f.messages(t)); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if got := f.usage(t); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestPrepare_ReusesSessionAndWindowsHistory(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"reply"}})

	var sessionID string
	for i := 0; i < 5; i++ {
		turn, _, err := f.turn(t, fmt.Sprintf("question %d", i))
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if sessionID == "" {
			sessionID = turn.SessionID()
		} else if turn.SessionID() != sessionID {
			t.Fatalf("turn %d opened a new session", i)
		}
	}

	system := f.engine.requests[4].System
	if strings.Contains(system, "question 4") {
		t.Error("current message leaked into the recent-history window")
	}
	if !strings.Contains(system, "question 3") {
		t.Error("previous message missing from the recent-history window")
	}
	// 8 prior messages, window of 6: the oldest turn falls out.
	if strings.Contains(system, "question 0") {
		t.Error("window is not bounded to the most recent messages")
	}

	if len(f.trigger.users) != 2 {
		t.Errorf("trigger calls = %d, want 2 (messages 1 and 5)", len(f.trigger.users))
	}
}

func TestPrepare_ExplicitSessionTrusted(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"ok"}})

	turn, err := f.chat.Prepare(context.Background(), Request{UserID: "u1", SessionID: "client-session", Content: "hi"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer turn.Close()
	if turn.SessionID() != "client-session" {
		t.Errorf("session = %q", turn.SessionID())
	}
}

func TestPrepare_HistoryExcludesOtherUsersMessages(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"reply"}})

	first, _, err := f.turn(t, "my question")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	f.store.SaveMessage(context.Background(), storage.Message{
		ID: "foreign", SessionID: first.SessionID(), UserID: "u2", Role: storage.RoleUser,
		Content: "injected by someone else", CreatedAt: time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
	})

	if _, _, err := f.turn(t, "follow up"); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	system := f.engine.requests[1].System
	if strings.Contains(system, "injected by someone else") {
		t.Error("another user's message reached the prompt")
	}
	if !strings.Contains(system, "my question") {
		t.Error("own history missing from the prompt")
	}
}

func TestTurn_PersistenceFailureDoesNotBlockReply(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"still", " here"}})
	f.chat.deps.Store = failingMessages{f.store}

	_, sink, err := f.turn(t, "hello?")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	done := sink.frames[len(sink.frames)-1]
	if !done.Done || done.FullResponse != "still here" {
		t.Errorf("done frame = %+v", done)
	}
	if got := f.usage(t); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}
}

func TestPrepare_UsesProfileWhenPresent(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []string{"ok"}})
	f.store.SaveProfile(context.Background(), storage.UnderstandingProfile{
		UserID:            "u1",
		Summary:           "Loves sailing",
		PersonalityTraits: []string{"adventurous"},
	})

	if _, _, err := f.turn(t, "hi"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !strings.Contains(f.engine.requests[0].System, "adventurous") {
		t.Error("profile-aware prompt not used")
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/companion/internal/cache"
	"github.com/kalambet/companion/internal/composer"
	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/relay"
	"github.com/kalambet/companion/internal/session"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

// ErrEmptyMessage is returned for a turn with no content.
var ErrEmptyMessage = errors.New("message content is required")

// DefaultTag classifies ordinary text messages.
const DefaultTag = "text"

// Store is the persistence the chat pipeline needs.
type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	TouchUser(ctx context.Context, id string, at time.Time) error
	SaveMessage(ctx context.Context, m storage.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
}

// ProfileSource returns a user's cached understanding profile.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (cache.Result[storage.UnderstandingProfile], error)
}

// Trigger requests a background profile recomputation. It must not block.
type Trigger interface {
	Trigger(userID string)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators of a Chat.
type Deps struct {
	Store    Store
	Sessions *session.Manager
	Quota    *quota.Gate
	Personas *persona.Catalog
	Engine   engine.Engine
	Profiles ProfileSource
	Trigger  Trigger
}

// Options tunes a Chat.
type Options struct {
	Model         string
	HistoryWindow int
	TriggerEvery  int
}

// Chat runs message turns: quota, session, prompt, generation, persistence
// and the recomputation trigger.
type Chat struct {
	deps   Deps
	opts   Options
	clock  Clock
	logger *slog.Logger
}

// New creates a Chat.
func New(deps Deps, opts Options) *Chat {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = composer.DefaultWindow
	}
	if opts.TriggerEvery <= 0 {
		opts.TriggerEvery = 5
	}
	return &Chat{deps: deps, opts: opts, clock: realClock{}, logger: slog.Default()}
}

// SetClock replaces the clock (for testing).
func (c *Chat) SetClock(clock Clock) { c.clock = clock }

// Request is one inbound user message.
type Request struct {
	UserID    string
	SessionID string
	Content   string
	Tag       string
}

// Turn is a prepared message turn whose reply has started generating.
type Turn struct {
	chat     *Chat
	userID   string
	session  storage.Session
	decision quota.Decision
	stream   engine.Stream
}

// SessionID returns the session the turn belongs to.
func (t *Turn) SessionID() string { return t.session.ID }

// Prepare validates the request, enforces the quota, resolves the session,
// stores the user message and opens the generation stream.
//
// It returns ErrEmptyMessage, a *quota.PaywallError, or a
// *relay.UpstreamError; nothing is persisted for the first two.
func (c *Chat) Prepare(ctx context.Context, req Request) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if req.Tag == "" {
		req.Tag = DefaultTag
	}

	decision, err := c.deps.Quota.Check(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking quota: %w", err)
	}
	if err := decision.Err(); err != nil {
		return nil, err
	}

	res := c.deps.Sessions.ResolveOrCreate(ctx, req.UserID, req.SessionID)
	sess := res.Session

	var history []storage.Message
	if !res.Created {
		history, err = c.deps.Store.ListMessages(ctx, sess.ID)
		if err != nil {
			c.logger.Warn("loading history failed, continuing without it", "session_id", sess.ID, "error", err)
		}
		history = ownMessages(history, req.UserID)
	}

	now := c.clock.Now().UTC()
	c.save(ctx, storage.Message{
		ID:        newMessageID(),
		SessionID: sess.ID,
		UserID:    req.UserID,
		Role:      storage.RoleUser,
		Tag:       req.Tag,
		Content:   content,
		CreatedAt: now,
	})
	if err := c.deps.Store.TouchUser(ctx, req.UserID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("updating last activity failed", "user_id", req.UserID, "error", err)
	}

	system := composer.Build(
		c.persona(ctx, req.UserID),
		composer.Window(history, c.opts.HistoryWindow),
		c.profile(ctx, req.UserID),
	)

	stream, err := c.deps.Engine.Stream(ctx, engine.Request{
		Model:    c.opts.Model,
		System:   system,
		Messages: []engine.Message{{Role: storage.RoleUser, Content: content}},
	})
	if err != nil {
		return nil, &relay.UpstreamError{Err: err}
	}

	return &Turn{
		chat:     c,
		userID:   req.UserID,
		session:  sess,
		decision: decision,
		stream:   stream,
	}, nil
}

// Stream relays the reply to sink. Only a completed reply is stored and
// counted; it is followed by the terminal done frame.
//
// The error is relay.ErrAborted, wraps relay.ErrInterrupted, or is a
// *relay.UpstreamError when nothing was forwarded yet.
func (t *Turn) Stream(ctx context.Context, sink relay.Sink) error {
	c := t.chat
	defer t.stream.Close()

	text, err := relay.Run(ctx, t.stream, sink)
	if err != nil {
		if errors.Is(err, relay.ErrAborted) {
			c.logger.Info("reply aborted by caller", "user_id", t.userID, "session_id", t.session.ID)
		}
		return err
	}

	c.save(ctx, storage.Message{
		ID:        newMessageID(),
		SessionID: t.session.ID,
		UserID:    t.userID,
		Role:      storage.RoleAssistant,
		Tag:       DefaultTag,
		Content:   text,
		CreatedAt: c.clock.Now().UTC(),
	})

	count, err := c.deps.Quota.Increment(ctx, t.userID)
	if err != nil {
		c.logger.Warn("incrementing usage failed", "user_id", t.userID, "error", err)
		count = t.decision.Count + 1
	}
	if c.deps.Trigger != nil && understanding.ShouldTrigger(count, c.opts.TriggerEvery) {
		c.deps.Trigger.Trigger(t.userID)
	}

	done := relay.Frame{
		Done:         true,
		SessionID:    t.session.ID,
		MessageCount: count,
		MessageLimit: t.decision.Limit,
		FullResponse: text,
	}
	if err := sink.Send(done); err != nil {
		return relay.ErrAborted
	}
	return nil
}

// Close releases the generation stream without relaying it.
func (t *Turn) Close() error {
	return t.stream.Close()
}

// save stores m, logging failures. A reply is never blocked by persistence.
func (c *Chat) save(ctx context.Context, m storage.Message) {
	if err := c.deps.Store.SaveMessage(ctx, m); err != nil {
		c.logger.Warn("saving message failed", "session_id", m.SessionID, "role", m.Role, "error", err)
	}
}

func (c *Chat) persona(ctx context.Context, userID string) persona.Descriptor {
	u, err := c.deps.Store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("loading user failed, using default persona", "user_id", userID, "error", err)
		}
		return c.deps.Personas.Default()
	}
	return c.deps.Personas.Resolve(u.Persona)
}

// profile returns the cached profile, or nil when none exists yet.
func (c *Chat) profile(ctx context.Context, userID string) *storage.UnderstandingProfile {
	if c.deps.Profiles == nil {
		return nil
	}
	res, err := c.deps.Profiles.Profile(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("loading profile failed, using first-time prompt", "user_id", userID, "error", err)
		}
		return nil
	}
	return &res.Value
}

// newMessageID returns a time-ordered id so that messages with equal
// timestamps still sort in send order.
// ownMessages drops messages another user wrote into the session.
func ownMessages(msgs []storage.Message, userID string) []storage.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

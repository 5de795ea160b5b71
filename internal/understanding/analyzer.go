package understanding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/storage"
)

const analysisTimeout = 60 * time.Second

// Store is the persistence the analyzer needs.
type Store interface {
	ListSessions(ctx context.Context, userID string) ([]storage.Session, error)
	ListUserMessages(ctx context.Context, userID string) ([]storage.Message, error)
	SaveProfile(ctx context.Context, p storage.UnderstandingProfile) error
}

// Invalidator drops cached views of a user after their profile changes.
type Invalidator interface {
	Invalidate(userID string)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Analyzer recomputes a user's understanding profile from their history.
type Analyzer struct {
	store       Store
	engine      engine.Engine
	model       string
	minMessages int
	invalidator Invalidator
	schema      *jsonschema.Schema
	clock       Clock
}

// NewAnalyzer creates an Analyzer. Users with fewer than minMessages messages
// get the default profile without calling the engine.
func NewAnalyzer(store Store, eng engine.Engine, model string, minMessages int) (*Analyzer, error) {
	sch, err := jsonschema.CompileString("profile.schema.json", profileSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling profile schema: %w", err)
	}
	if minMessages <= 0 {
		minMessages = 5
	}
	return &Analyzer{
		store:       store,
		engine:      eng,
		model:       model,
		minMessages: minMessages,
		schema:      sch,
		clock:       realClock{},
	}, nil
}

// SetInvalidator registers the cache to drop after each saved profile.
func (a *Analyzer) SetInvalidator(inv Invalidator) { a.invalidator = inv }

// SetClock replaces the clock (for testing).
func (a *Analyzer) SetClock(c Clock) { a.clock = c }

// Recompute rebuilds and stores the user's profile, replacing any previous
// one. Generation failures fall back to the default profile; only storage
// failures are returned.
func (a *Analyzer) Recompute(ctx context.Context, userID string) (storage.UnderstandingProfile, error) {
	sessions, err := a.store.ListSessions(ctx, userID)
	if err != nil {
		return storage.UnderstandingProfile{}, fmt.Errorf("listing sessions: %w", err)
	}
	messages, err := a.store.ListUserMessages(ctx, userID)
	if err != nil {
		return storage.UnderstandingProfile{}, fmt.Errorf("listing messages: %w", err)
	}

	narrative := DefaultNarrative()
	if len(messages) >= a.minMessages {
		narrative = a.analyze(ctx, userID, sessions, messages)
	}

	p := narrative.toProfile(userID)
	p.Score = Score(len(sessions))
	p.TotalSessions = len(sessions)
	p.TotalMessages = len(messages)
	p.LastAnalyzedAt = a.clock.Now().UTC()

	if err := a.store.SaveProfile(ctx, p); err != nil {
		return storage.UnderstandingProfile{}, fmt.Errorf("saving profile: %w", err)
	}
	if a.invalidator != nil {
		a.invalidator.Invalidate(userID)
	}
	return p, nil
}

// Narrative is the model-produced part of a profile.
type Narrative struct {
	Summary            string   `json:"summary"`
	PersonalityTraits  []string `json:"personality_traits"`
	CommunicationStyle string   `json:"communication_style"`
	CoreValues         []string `json:"core_values"`
	Interests          []string `json:"interests"`
	TopicsToExplore    []string `json:"topics_to_explore"`
	GrowthAreas        []string `json:"growth_areas"`
}

// DefaultNarrative is the safe placeholder used for new users and whenever
// analysis fails.
func DefaultNarrative() Narrative {
	return Narrative{
		Summary:            "We are still getting to know each other. Keep chatting to build a fuller picture.",
		PersonalityTraits:  []string{"curious", "open to conversation"},
		CommunicationStyle: "still being discovered",
		CoreValues:         []string{},
		Interests:          []string{},
		TopicsToExplore:    []string{"daily life", "hobbies", "goals"},
		GrowthAreas:        []string{},
	}
}

func (n Narrative) toProfile(userID string) storage.UnderstandingProfile {
	return storage.UnderstandingProfile{
		UserID:             userID,
		Summary:            n.Summary,
		PersonalityTraits:  n.PersonalityTraits,
		CommunicationStyle: n.CommunicationStyle,
		CoreValues:         n.CoreValues,
		Interests:          n.Interests,
		TopicsToExplore:    n.TopicsToExplore,
		GrowthAreas:        n.GrowthAreas,
	}
}

func (a *Analyzer) analyze(ctx context.Context, userID string, sessions []storage.Session, messages []storage.Message) Narrative {
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	raw, err := a.engine.Complete(ctx, engine.Request{
		Model:    a.model,
		System:   analysisInstruction,
		Messages: []engine.Message{{Role: "user", Content: Transcript(sessions, messages)}},
		JSON:     true,
	})
	if err != nil {
		slog.Warn("profile analysis failed, using default", "user_id", userID, "error", err)
		return DefaultNarrative()
	}

	n, err := a.parse(raw)
	if err != nil {
		slog.Warn("profile analysis returned invalid JSON, using default", "user_id", userID, "error", err)
		return DefaultNarrative()
	}
	return n
}

// parse validates raw against the profile schema before decoding it.
func (a *Analyzer) parse(raw string) (Narrative, error) {
	raw = stripCodeFence(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Narrative{}, fmt.Errorf("decoding: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return Narrative{}, fmt.Errorf("validating: %w", err)
	}

	var n Narrative
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Narrative{}, fmt.Errorf("decoding: %w", err)
	}
	return n, nil
}

// stripCodeFence removes a ```json fence some models wrap around output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Transcript renders the user's full history grouped by session.
func Transcript(sessions []storage.Session, messages []storage.Message) string {
	index := make(map[string]int, len(sessions))
	for i, s := range sessions {
		index[s.ID] = i + 1
	}

	var sb strings.Builder
	current := ""
	for _, m := range messages {
		if m.SessionID != current {
			current = m.SessionID
			n, ok := index[m.SessionID]
			if ok {
				fmt.Fprintf(&sb, "\n## Session %d (%s)\n", n, m.CreatedAt.Format("2006-01-02"))
			} else {
				fmt.Fprintf(&sb, "\n## Session (%s)\n", m.CreatedAt.Format("2006-01-02"))
			}
		}
		speaker := "User"
		if m.Role == storage.RoleAssistant {
			speaker = "Companion"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, m.Content)
	}
	return strings.TrimSpace(sb.String())
}

const analysisInstruction = `You analyse conversations between a user and their companion.
Read the transcript and describe the user. Respond with a single JSON object with these fields:
  "summary": 2-4 sentences about who the user is,
  "personality_traits": list of short traits,
  "communication_style": one sentence,
  "core_values": list,
  "interests": list,
  "topics_to_explore": list of topics the companion could bring up,
  "growth_areas": list of gentle areas for personal growth.
Only include what the transcript supports. Output JSON only.`

const profileSchema = `{
  "type": "object",
  "required": ["summary", "personality_traits", "communication_style"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "personality_traits": {"type": "array", "items": {"type": "string"}},
    "communication_style": {"type": "string"},
    "core_values": {"type": "array", "items": {"type": "string"}},
    "interests": {"type": "array", "items": {"type": "string"}},
    "topics_to_explore": {"type": "array", "items": {"type": "string"}},
    "growth_areas": {"type": "array", "items": {"type": "string"}}
  }
}`

package profile

import (
	"time"

	"github.com/kalambet/companion/internal/storage"
)

// Summary is the client-facing view of a user's understanding profile.
type Summary struct {
	UserID             string    `json:"userId"`
	Summary            string    `json:"summary"`
	PersonalityTraits  []string  `json:"personalityTraits"`
	CommunicationStyle string    `json:"communicationStyle"`
	CoreValues         []string  `json:"coreValues"`
	Interests          []string  `json:"interests"`
	TopicsToExplore    []string  `json:"topicsToExplore"`
	GrowthAreas        []string  `json:"growthAreas"`
	UnderstandingLevel float64   `json:"understandingLevel"`
	TotalSessions      int       `json:"totalSessions"`
	TotalMessages      int       `json:"totalMessages"`
	LastAnalyzed       time.Time `json:"lastAnalyzed"`
}

// NewSummary converts a stored profile to its client view. Nil lists become
// empty so they encode as [].
func NewSummary(p storage.UnderstandingProfile) Summary {
	return Summary{
		UserID:             p.UserID,
		Summary:            p.Summary,
		PersonalityTraits:  nonNil(p.PersonalityTraits),
		CommunicationStyle: p.CommunicationStyle,
		CoreValues:         nonNil(p.CoreValues),
		Interests:          nonNil(p.Interests),
		TopicsToExplore:    nonNil(p.TopicsToExplore),
		GrowthAreas:        nonNil(p.GrowthAreas),
		UnderstandingLevel: p.Score,
		TotalSessions:      p.TotalSessions,
		TotalMessages:      p.TotalMessages,
		LastAnalyzed:       p.LastAnalyzedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

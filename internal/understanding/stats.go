package understanding

import "time"

// Engagement levels by analysed message volume.
const (
	EngagementNew     = "new"
	EngagementGrowing = "growing"
	EngagementEngaged = "engaged"
	EngagementDeep    = "deeply engaged"
)

// EngagementLevel buckets a user by how many messages have been analysed.
func EngagementLevel(totalMessages int) string {
	switch {
	case totalMessages < 10:
		return EngagementNew
	case totalMessages < 50:
		return EngagementGrowing
	case totalMessages < 200:
		return EngagementEngaged
	default:
		return EngagementDeep
	}
}

// LevelProgress is the score as a percentage of MaxLevel.
func LevelProgress(score float64) float64 {
	if score <= 0 {
		return 0
	}
	if score >= MaxLevel {
		return 100
	}
	return score / MaxLevel * 100
}

// Stats is the read model behind the stats endpoint.
type Stats struct {
	UnderstandingLevel float64    `json:"understandingLevel"`
	TotalSessions      int        `json:"totalSessions"`
	TotalMessages      int        `json:"totalMessages"`
	EngagementLevel    string     `json:"engagementLevel"`
	LastAnalyzed       *time.Time `json:"lastAnalyzed"`
	NextSessionBonus   float64    `json:"nextSessionBonus"`
	MaxLevel           float64    `json:"maxLevel"`
	LevelProgress      float64    `json:"levelProgress"`
}

// NewStats derives the stats view from raw counts.
func NewStats(totalSessions, totalMessages int, lastAnalyzed *time.Time) Stats {
	score := Score(totalSessions)
	return Stats{
		UnderstandingLevel: score,
		TotalSessions:      totalSessions,
		TotalMessages:      totalMessages,
		EngagementLevel:    EngagementLevel(totalMessages),
		LastAnalyzed:       lastAnalyzed,
		NextSessionBonus:   NextIncrement(totalSessions),
		MaxLevel:           MaxLevel,
		LevelProgress:      LevelProgress(score),
	}
}

// ProgressionView is the read model behind the progression endpoint.
type ProgressionView struct {
	Progression   []Step  `json:"progression"`
	CurrentLevel  float64 `json:"currentLevel"`
	NextIncrement float64 `json:"nextIncrement"`
	MaxLevel      float64 `json:"maxLevel"`
	SessionsToMax int     `json:"sessionsToMax"`
}

// NewProgressionView builds the progression view for a session count.
func NewProgressionView(totalSessions int) ProgressionView {
	steps := Progression(totalSessions)
	if steps == nil {
		steps = []Step{}
	}
	return ProgressionView{
		Progression:   steps,
		CurrentLevel:  Score(totalSessions),
		NextIncrement: NextIncrement(totalSessions),
		MaxLevel:      MaxLevel,
		SessionsToMax: SessionsToMax(totalSessions),
	}
}

package understanding

// Scores are computed in hundredths so that the walk is exact.
const (
	MaxLevel  = 75.0
	maxCenti  = 7500
	baseCenti = 2500
)

// incrementCenti is the increment applied when reaching session i (i >= 2).
func incrementCenti(i int) int {
	switch {
	case i <= 1:
		return 0
	case i == 2:
		return 1000
	case i <= 4:
		return 500
	case i <= 6:
		return 250
	case i <= 8:
		return 150
	case i <= 10:
		return 100
	case i <= 14:
		return 50
	case i <= 20:
		return 25
	default:
		return 10
	}
}

// Step is one entry of the progression walk.
type Step struct {
	Session   int     `json:"session"`
	Level     float64 `json:"level"`
	Increment float64 `json:"increment"`
}

// walk replays the progression up to n sessions, stopping at the cap.
func walk(n int) []Step {
	if n < 1 {
		return nil
	}
	steps := make([]Step, 0, min(n, capSession))
	level := baseCenti
	steps = append(steps, Step{Session: 1, Level: centi(level)})
	for i := 2; i <= n && level < maxCenti; i++ {
		next := min(level+incrementCenti(i), maxCenti)
		steps = append(steps, Step{Session: i, Level: centi(next), Increment: centi(next - level)})
		level = next
	}
	return steps
}

// Score returns the understanding level after sessionCount sessions.
func Score(sessionCount int) float64 {
	steps := walk(sessionCount)
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].Level
}

// Progression returns the step-by-step walk. It has one entry per session
// up to sessionCount, or fewer when the cap is reached earlier.
func Progression(sessionCount int) []Step {
	return walk(sessionCount)
}

// NextIncrement is the gain the next session would bring.
func NextIncrement(sessionCount int) float64 {
	if sessionCount < 1 {
		return centi(baseCenti)
	}
	cur := Score(sessionCount)
	next := Score(sessionCount + 1)
	return next - cur
}

// capSession is the first session at which the level reaches MaxLevel.
var capSession = func() int {
	level := baseCenti
	i := 1
	for level < maxCenti {
		i++
		level += incrementCenti(i)
	}
	return i
}()

// SessionsToMax is the number of further sessions needed to reach MaxLevel.
func SessionsToMax(sessionCount int) int {
	if sessionCount >= capSession {
		return 0
	}
	if sessionCount < 0 {
		sessionCount = 0
	}
	return capSession - sessionCount
}

// CapSession returns the first session count scoring MaxLevel.
func CapSession() int { return capSession }

func centi(v int) float64 { return float64(v) / 100 }

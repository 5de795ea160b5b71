package understanding

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestScore_KnownValues(t *testing.T) {
	tests := []struct {
		sessions int
		want     float64
	}{
		{0, 0},
		{1, 25},
		{2, 35},
		{3, 40},
		{4, 45},
		{5, 47.5},
		{6, 50},
		{8, 53},
		{10, 55},
		{14, 57},
		{20, 58.5},
		{21, 58.6},
		{184, 74.9},
		{185, 75},
		{1000, 75},
	}
	for _, tt := range tests {
		if got := Score(tt.sessions); math.Abs(got-tt.want) > eps {
			t.Errorf("Score(%d) = %v, want %v", tt.sessions, got, tt.want)
		}
	}
}

func TestScore_CapSession(t *testing.T) {
	if CapSession() != 185 {
		t.Errorf("CapSession = %d, want 185", CapSession())
	}
	if Score(CapSession()-1) >= MaxLevel {
		t.Error("cap reached before CapSession")
	}
}

func TestScore_MonotonicAndBounded(t *testing.T) {
	prev := Score(1)
	for n := 2; n <= 400; n++ {
		cur := Score(n)
		if cur < prev {
			t.Fatalf("Score(%d) = %v < Score(%d) = %v", n, cur, n-1, prev)
		}
		if cur > MaxLevel {
			t.Fatalf("Score(%d) = %v exceeds %v", n, cur, MaxLevel)
		}
		prev = cur
	}
}

func TestProgression_TelescopingIdentity(t *testing.T) {
	for _, n := range []int{1, 2, 7, 20, 185, 300} {
		steps := Progression(n)
		wantLen := min(n, CapSession())
		if len(steps) != wantLen {
			t.Errorf("len(Progression(%d)) = %d, want %d", n, len(steps), wantLen)
		}
		if steps[0].Increment != 0 || steps[0].Level != 25 {
			t.Errorf("first step = %+v", steps[0])
		}
		for i := 1; i < len(steps); i++ {
			if steps[i].Session != i+1 {
				t.Fatalf("step %d has session %d", i, steps[i].Session)
			}
			if math.Abs(steps[i-1].Level+steps[i].Increment-steps[i].Level) > eps {
				t.Fatalf("n=%d step %d: %v + %v != %v", n, i, steps[i-1].Level, steps[i].Increment, steps[i].Level)
			}
		}
		if last := steps[len(steps)-1].Level; math.Abs(last-Score(n)) > eps {
			t.Errorf("last level %v != Score(%d) %v", last, n, Score(n))
		}
	}
	if Progression(0) != nil {
		t.Error("Progression(0) should be empty")
	}
}

func TestNextIncrementAndSessionsToMax(t *testing.T) {
	if got := NextIncrement(0); got != 25 {
		t.Errorf("NextIncrement(0) = %v, want 25", got)
	}
	if got := NextIncrement(1); math.Abs(got-10) > eps {
		t.Errorf("NextIncrement(1) = %v, want 10", got)
	}
	if got := NextIncrement(4); math.Abs(got-2.5) > eps {
		t.Errorf("NextIncrement(4) = %v, want 2.5", got)
	}
	if got := NextIncrement(185); got != 0 {
		t.Errorf("NextIncrement(185) = %v, want 0", got)
	}
	if got := SessionsToMax(10); got != 175 {
		t.Errorf("SessionsToMax(10) = %d, want 175", got)
	}
	if got := SessionsToMax(500); got != 0 {
		t.Errorf("SessionsToMax(500) = %d, want 0", got)
	}
}

func TestStatsViews(t *testing.T) {
	s := NewStats(2, 12, nil)
	if s.UnderstandingLevel != 35 || s.EngagementLevel != EngagementGrowing || s.MaxLevel != 75 {
		t.Errorf("stats = %+v", s)
	}
	if math.Abs(s.LevelProgress-35.0/75*100) > eps {
		t.Errorf("LevelProgress = %v", s.LevelProgress)
	}

	v := NewProgressionView(0)
	if v.Progression == nil || len(v.Progression) != 0 || v.SessionsToMax != 185 {
		t.Errorf("view(0) = %+v", v)
	}
}

func TestShouldTrigger(t *testing.T) {
	for count, want := range map[int]bool{0: false, 1: true, 2: false, 4: false, 5: true, 10: true, 11: false} {
		if got := ShouldTrigger(count, 5); got != want {
			t.Errorf("ShouldTrigger(%d) = %v, want %v", count, got, want)
		}
	}
}

package reputation_test

import (
	"math"
	"testing"
	"time"

	"taskmesh/internal/reputation"
)

func testCalculator() reputation.Calculator {
	return reputation.New(reputation.Weights{
		Success:          0.4,
		Complexity:       0.3,
		Speed:            0.2,
		Feedback:         0.1,
		SpeedNormSeconds: 7 * 24 * 3600,
	})
}

func fptr(v float64) *float64 { return &v }

func TestScoreEmptyHistory(t *testing.T) {
	if got := testCalculator().Score(nil); got != 0 {
		t.Fatalf("empty history scored %f, want 0", got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	c := testCalculator()
	history := []reputation.Outcome{
		{Complexity: 5, Resolved: true, SolveDuration: time.Hour, FeedbackQuality: fptr(0.8)},
		{Complexity: 2, Resolved: false},
	}
	a, b := c.Score(history), c.Score(history)
	if a != b {
		t.Fatalf("score not deterministic: %f vs %f", a, b)
	}
}

func TestScoreRewardsSuccess(t *testing.T) {
	c := testCalculator()
	allSolved := []reputation.Outcome{
		{Complexity: 3, Resolved: true, SolveDuration: time.Hour},
		{Complexity: 3, Resolved: true, SolveDuration: time.Hour},
	}
	halfSolved := []reputation.Outcome{
		{Complexity: 3, Resolved: true, SolveDuration: time.Hour},
		{Complexity: 3, Resolved: false},
	}
	if c.Score(allSolved) <= c.Score(halfSolved) {
		t.Fatal("full success ratio must out-score partial")
	}
}

func TestScoreRewardsComplexity(t *testing.T) {
	c := testCalculator()
	hard := []reputation.Outcome{{Complexity: 8, Resolved: true, SolveDuration: time.Hour}}
	easy := []reputation.Outcome{{Complexity: 1, Resolved: true, SolveDuration: time.Hour}}
	if c.Score(hard) <= c.Score(easy) {
		t.Fatal("harder solved tasks must out-score trivial ones")
	}
}

func TestScoreRewardsSpeed(t *testing.T) {
	c := testCalculator()
	fast := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: time.Minute}}
	slow := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: 6 * 24 * time.Hour}}
	if c.Score(fast) <= c.Score(slow) {
		t.Fatal("faster solves must out-score slower ones")
	}
	// beyond the norm the speed term bottoms out at zero, never negative
	glacial := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: 365 * 24 * time.Hour}}
	floor := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: 8 * 24 * time.Hour}}
	if c.Score(glacial) != c.Score(floor) {
		t.Fatal("speed term must clamp at zero past the norm")
	}
}

func TestScoreFeedbackClamped(t *testing.T) {
	c := testCalculator()
	base := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: time.Hour, FeedbackQuality: fptr(1.0)}}
	wild := []reputation.Outcome{{Complexity: 3, Resolved: true, SolveDuration: time.Hour, FeedbackQuality: fptr(42.0)}}
	if c.Score(base) != c.Score(wild) {
		t.Fatal("feedback quality must clamp to [0,1]")
	}
}

func TestScoreBounded(t *testing.T) {
	c := reputation.New(reputation.Weights{
		Success: 2, Complexity: 2, Speed: 2, Feedback: 2, SpeedNormSeconds: 3600,
	})
	history := []reputation.Outcome{
		{Complexity: 8, Resolved: true, SolveDuration: time.Second, FeedbackQuality: fptr(1.0)},
	}
	got := c.Score(history)
	if got < 0 || got > 1 || math.IsNaN(got) {
		t.Fatalf("score %f out of [0,1]", got)
	}
}

// Package reputation derives an agent's score from its task history. The
// calculator is stateless: given the same history window it always produces
// the same score, so recomputation on every task event is idempotent.
package reputation

import (
	"time"

	"taskmesh/internal/domain"
)

type Weights struct {
	Success    float64
	Complexity float64
	Speed      float64
	Feedback   float64
	// SpeedNormSeconds is the solve duration that maps to a speed score of
	// zero; instant solves score one.
	SpeedNormSeconds float64
}

// Outcome is one finished claim of the agent, aggregated from the task store.
// The calculator never reads dialog internals.
type Outcome struct {
	Complexity      int
	Resolved        bool
	SolveDuration   time.Duration
	FeedbackQuality *float64 // nil when the author left no feedback
}

type Calculator struct {
	Weights Weights
}

func New(w Weights) Calculator {
	return Calculator{Weights: w}
}

// Score computes the weighted reputation score over the history window.
// An empty history scores zero.
func (c Calculator) Score(history []Outcome) float64 {
	if len(history) == 0 {
		return 0
	}
	maxComplexity := float64(domain.ComplexityScale[len(domain.ComplexityScale)-1])

	var solved, speedSum, complexitySum float64
	var feedbackSum, feedbackN float64
	for _, o := range history {
		if !o.Resolved {
			continue
		}
		solved++
		complexitySum += float64(o.Complexity) / maxComplexity
		speedSum += speedScore(o.SolveDuration, c.Weights.SpeedNormSeconds)
		if o.FeedbackQuality != nil {
			feedbackSum += clamp01(*o.FeedbackQuality)
			feedbackN++
		}
	}

	successRatio := solved / float64(len(history))
	var avgComplexity, avgSpeed, avgFeedback float64
	if solved > 0 {
		avgComplexity = complexitySum / solved
		avgSpeed = speedSum / solved
	}
	if feedbackN > 0 {
		avgFeedback = feedbackSum / feedbackN
	}

	score := c.Weights.Success*successRatio +
		c.Weights.Complexity*avgComplexity +
		c.Weights.Speed*avgSpeed +
		c.Weights.Feedback*avgFeedback
	return clamp01(score)
}

func speedScore(d time.Duration, normSeconds float64) float64 {
	if normSeconds <= 0 {
		return 0
	}
	s := 1 - d.Seconds()/normSeconds
	return clamp01(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

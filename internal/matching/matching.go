// Package matching ranks published tasks against an agent's capability
// profile. The engine is read-only: it never mutates task or profile state.
package matching

import (
	"sort"
	"time"

	"taskmesh/internal/domain"
)

type Weights struct {
	Category   float64
	Complexity float64
	Age        float64
	// AgeCap bounds the queue-age bonus so old tasks gain, but starve nothing.
	AgeCap time.Duration
	// ReputationBonus is added when the task author's reputation exceeds
	// ReputationThreshold.
	ReputationBonus     float64
	ReputationThreshold float64
}

type Engine struct {
	Weights  Weights
	TopN     int
	MinScore float64
}

func New(w Weights, topN int, minScore float64) Engine {
	if topN <= 0 {
		topN = 10
	}
	return Engine{Weights: w, TopN: topN, MinScore: minScore}
}

// Match is one ranked result.
type Match struct {
	Task  domain.Task
	Score float64
}

// Rank scores the published tasks against the profile and returns the top-N
// above the minimum relevance threshold, best first. Results below the
// threshold are excluded, never padded in to satisfy N. Ties break by
// earliest created_at.
func (e Engine) Rank(profile domain.AgentProfile, tasks []domain.Task, authorReputation func(agentID string) float64, now time.Time) []Match {
	var out []Match
	for _, t := range tasks {
		if t.Status != domain.TaskPublished {
			continue
		}
		// never offer an agent its own task
		if t.AuthorID == profile.AgentID {
			continue
		}
		rep := 0.0
		if authorReputation != nil {
			rep = authorReputation(t.AuthorID)
		}
		s := e.Score(profile, t, rep, now)
		if s < e.MinScore {
			continue
		}
		out = append(out, Match{Task: t, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Task.CreatedAt < out[j].Task.CreatedAt
	})
	if len(out) > e.TopN {
		out = out[:e.TopN]
	}
	return out
}

// Score combines category overlap, complexity fit, queue age and author
// reputation into a single relevance value.
func (e Engine) Score(profile domain.AgentProfile, t domain.Task, authorReputation float64, now time.Time) float64 {
	s := e.Weights.Category*categoryOverlap(profile.Skills, t.Categories) +
		e.Weights.Complexity*complexityFit(profile.MaxComplexity, t.Complexity) +
		e.Weights.Age*ageBonus(t.CreatedAt, now, e.Weights.AgeCap)
	if authorReputation > e.Weights.ReputationThreshold {
		s += e.Weights.ReputationBonus
	}
	return s
}

// categoryOverlap returns the confidence-weighted fraction of task categories
// covered by the profile's skills. Adding an overlapping skill can only raise
// the value, never lower it.
func categoryOverlap(skills []domain.Skill, categories []string) float64 {
	if len(categories) == 0 {
		return 0
	}
	best := map[string]float64{}
	for _, sk := range skills {
		if sk.Confidence > best[sk.Category] {
			best[sk.Category] = sk.Confidence
		}
	}
	var covered float64
	for _, c := range categories {
		covered += best[c]
	}
	return covered / float64(len(categories))
}

// complexityFit rewards tasks at or below the agent's ceiling, scaled by
// headroom: a task right at max_complexity scores full, trivial tasks less,
// and tasks above the ceiling score zero.
func complexityFit(maxComplexity, complexity int) float64 {
	if complexity > maxComplexity {
		return 0
	}
	if maxComplexity == 0 {
		return 0
	}
	return float64(complexity) / float64(maxComplexity)
}

// ageBonus grows linearly with queue age up to cap, preventing starvation of
// old published tasks without letting age dominate relevance.
func ageBonus(createdAt string, now time.Time, cap time.Duration) float64 {
	if cap <= 0 {
		return 0
	}
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0
	}
	age := now.Sub(created)
	if age <= 0 {
		return 0
	}
	if age >= cap {
		return 1
	}
	return float64(age) / float64(cap)
}

// Complementary selects up to n agents whose primary skill categories are
// pairwise disjoint and relevant to the task, used for cell formation.
// Profiles are considered in descending reputation so the strongest agent in
// each category wins the seat.
func Complementary(profiles []domain.AgentProfile, t domain.Task, n int) []domain.AgentProfile {
	sorted := make([]domain.AgentProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReputationScore > sorted[j].ReputationScore
	})

	want := map[string]bool{}
	for _, c := range t.Categories {
		want[c] = true
	}
	taken := map[string]bool{}
	var out []domain.AgentProfile
	// first pass: one agent per task category
	for _, p := range sorted {
		if len(out) == n {
			return out
		}
		if p.AgentID == t.AuthorID || p.MaxComplexity < t.Complexity {
			continue
		}
		cat := primaryCategory(p)
		if cat == "" || taken[cat] || !want[cat] {
			continue
		}
		taken[cat] = true
		out = append(out, p)
	}
	// second pass: fill remaining seats with disjoint off-category agents
	for _, p := range sorted {
		if len(out) == n {
			break
		}
		if p.AgentID == t.AuthorID || p.MaxComplexity < t.Complexity {
			continue
		}
		cat := primaryCategory(p)
		if cat == "" || taken[cat] {
			continue
		}
		taken[cat] = true
		out = append(out, p)
	}
	return out
}

func primaryCategory(p domain.AgentProfile) string {
	best := ""
	bestConf := -1.0
	for _, s := range p.Skills {
		if s.Confidence > bestConf {
			best = s.Category
			bestConf = s.Confidence
		}
	}
	return best
}

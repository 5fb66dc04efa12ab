package transform

import (
	"time"

	"taskmesh/internal/domain"
)

// Candidate is a published task that a new task may be folded into.
type Candidate struct {
	Task       domain.Task
	Similarity float64
}

// MergeCandidates returns recent published tasks whose combined similarity to
// the new task exceeds the threshold, best match first.
func MergeCandidates(newTask domain.Task, published []domain.Task, threshold float64, window time.Duration, now time.Time) []Candidate {
	var out []Candidate
	for _, t := range published {
		if t.ID == newTask.ID {
			continue
		}
		if t.MetaTaskID != nil {
			// already folded into a meta-task
			continue
		}
		if !withinWindow(t.CreatedAt, window, now) {
			continue
		}
		if s := Similarity(newTask, t); s >= threshold {
			out = append(out, Candidate{Task: t, Similarity: s})
		}
	}
	// insertion sort keeps best-first order; candidate lists are tiny
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Similarity > out[j-1].Similarity; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func withinWindow(createdAt string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return true
	}
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return false
	}
	return now.Sub(created) <= window
}

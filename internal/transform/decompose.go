package transform

import (
	"fmt"
	"strings"

	"taskmesh/internal/domain"
)

// Component is one independent slice of a decomposed task's context.
type Component struct {
	Categories []string
	Context    string
}

// Decomposable reports whether the task may be split: above the threshold and
// not itself the output of a decomposition (depth cap of one is enforced
// here, not by convention).
func Decomposable(t domain.Task, threshold int) error {
	if t.ParentID != nil {
		return fmt.Errorf("%w: task %s is already a subtask", domain.ErrValidation, t.ID)
	}
	if t.Complexity <= threshold {
		return fmt.Errorf("%w: complexity %d does not exceed decomposition threshold %d", domain.ErrValidation, t.Complexity, threshold)
	}
	switch t.Status {
	case domain.TaskCreated, domain.TaskPublished:
		return nil
	}
	return fmt.Errorf("%w: task %s in status %s cannot be decomposed", domain.ErrValidation, t.ID, t.Status)
}

// SubtaskComplexity maps the parent complexity down two steps, clamped to the
// Fibonacci scale with a floor of 1.
func SubtaskComplexity(parent int) int {
	return domain.ClampComplexity(parent - 2)
}

// Split breaks the task context into independent categorized components.
// Paragraphs are assigned to the category they mention; unmatched paragraphs
// are distributed round-robin so every component gets a scoped slice. A task
// that cannot be split into at least two components yields one component per
// category sharing the full context.
func Split(t domain.Task) []Component {
	if len(t.Categories) == 0 {
		return nil
	}
	paragraphs := splitParagraphs(t.Context)

	if len(paragraphs) < 2 || len(t.Categories) < 2 {
		// nothing to carve: scope by category instead
		out := make([]Component, 0, len(t.Categories))
		for _, c := range t.Categories {
			out = append(out, Component{Categories: []string{c}, Context: t.Context})
		}
		return out
	}

	byCategory := make(map[string][]string, len(t.Categories))
	var unmatched []string
	for _, p := range paragraphs {
		lower := strings.ToLower(p)
		assigned := false
		for _, c := range t.Categories {
			if strings.Contains(lower, strings.ToLower(c)) {
				byCategory[c] = append(byCategory[c], p)
				assigned = true
				break
			}
		}
		if !assigned {
			unmatched = append(unmatched, p)
		}
	}
	for i, p := range unmatched {
		c := t.Categories[i%len(t.Categories)]
		byCategory[c] = append(byCategory[c], p)
	}

	out := make([]Component, 0, len(t.Categories))
	for _, c := range t.Categories {
		if len(byCategory[c]) == 0 {
			continue
		}
		out = append(out, Component{
			Categories: []string{c},
			Context:    strings.Join(byCategory[c], "\n\n"),
		})
	}
	return out
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

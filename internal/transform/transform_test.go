package transform_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"taskmesh/internal/domain"
	"taskmesh/internal/transform"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func task(id string, cx int, text string, categories ...string) domain.Task {
	return domain.Task{
		ID:         id,
		AuthorID:   "alice",
		Status:     domain.TaskPublished,
		Complexity: cx,
		Categories: categories,
		Context:    text,
		CreatedAt:  fixedNow.Format(time.RFC3339),
	}
}

func TestSimilarityIdenticalTasks(t *testing.T) {
	a := task("a", 2, "translate the onboarding guide", "docs")
	b := task("b", 2, "translate the onboarding guide", "docs")
	if got := transform.Similarity(a, b); got < 0.99 {
		t.Fatalf("identical tasks scored %f, want ~1", got)
	}
}

func TestSimilarityUnrelatedTasks(t *testing.T) {
	a := task("a", 2, "translate the onboarding guide into spanish", "docs")
	b := task("b", 8, "provision the staging kubernetes cluster", "infra")
	if got := transform.Similarity(a, b); got >= 0.5 {
		t.Fatalf("unrelated tasks scored %f, want well below threshold", got)
	}
}

func TestSimilarityWeighsTextHighest(t *testing.T) {
	a := task("a", 2, "translate the onboarding guide", "docs")
	sameText := task("b", 5, "translate the onboarding guide", "infra")
	sameMeta := task("c", 2, "rewrite the billing reconciliation job", "docs")
	if transform.Similarity(a, sameText) <= transform.Similarity(a, sameMeta) {
		t.Fatal("matching text must outweigh matching categories and complexity")
	}
}

func TestMergeCandidatesThresholdAndOrder(t *testing.T) {
	fresh := task("new", 2, "translate the onboarding guide into spanish", "docs")
	exact := task("exact", 2, "translate the onboarding guide into spanish", "docs")
	near := task("near", 2, "translate the onboarding guide into spanish please", "docs")
	far := task("far", 8, "tune the query planner statistics", "backend")

	got := transform.MergeCandidates(fresh, []domain.Task{far, near, exact}, 0.85, 24*time.Hour, fixedNow)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Task.ID != "exact" {
		t.Fatalf("best candidate %s, want exact", got[0].Task.ID)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Fatal("candidates not best-first")
	}
}

func TestMergeCandidatesSkipsMergedAndSelf(t *testing.T) {
	fresh := task("new", 2, "translate the onboarding guide", "docs")
	folded := task("folded", 2, "translate the onboarding guide", "docs")
	meta := "meta-1"
	folded.MetaTaskID = &meta

	got := transform.MergeCandidates(fresh, []domain.Task{fresh, folded}, 0.85, 24*time.Hour, fixedNow)
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want none (self and folded excluded)", len(got))
	}
}

func TestMergeCandidatesWindow(t *testing.T) {
	fresh := task("new", 2, "translate the onboarding guide", "docs")
	stale := task("stale", 2, "translate the onboarding guide", "docs")
	stale.CreatedAt = fixedNow.Add(-25 * time.Hour).Format(time.RFC3339)

	if got := transform.MergeCandidates(fresh, []domain.Task{stale}, 0.85, 24*time.Hour, fixedNow); len(got) != 0 {
		t.Fatal("candidate outside the merge window must be excluded")
	}
	recent := task("recent", 2, "translate the onboarding guide", "docs")
	recent.CreatedAt = fixedNow.Add(-23 * time.Hour).Format(time.RFC3339)
	if got := transform.MergeCandidates(fresh, []domain.Task{recent}, 0.85, 24*time.Hour, fixedNow); len(got) != 1 {
		t.Fatal("candidate inside the merge window must be included")
	}
}

func TestDecomposable(t *testing.T) {
	ok := task("t", 5, "big piece of work", "backend")
	if err := transform.Decomposable(ok, 3); err != nil {
		t.Fatalf("expected decomposable, got %v", err)
	}
	small := task("t", 3, "small piece of work", "backend")
	if err := transform.Decomposable(small, 3); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("complexity at threshold must not decompose, got %v", err)
	}
	sub := task("t", 5, "already a slice", "backend")
	parent := "p"
	sub.ParentID = &parent
	if err := transform.Decomposable(sub, 3); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("subtask must not decompose again, got %v", err)
	}
	claimed := task("t", 5, "someone is on it", "backend")
	claimed.Status = domain.TaskInProgress
	if err := transform.Decomposable(claimed, 3); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("in-progress task must not decompose, got %v", err)
	}
}

func TestSubtaskComplexityClamped(t *testing.T) {
	cases := []struct{ parent, want int }{
		{8, 5}, // 8-2=6 clamps down to the nearest scale step
		{5, 3},
		{3, 1},
		{2, 1},
		{1, 1}, // floor
	}
	for _, c := range cases {
		if got := transform.SubtaskComplexity(c.parent); got != c.want {
			t.Fatalf("SubtaskComplexity(%d) = %d, want %d", c.parent, got, c.want)
		}
	}
}

func TestSplitByCategoryMention(t *testing.T) {
	tk := task("t", 5,
		"backend: expose the export endpoint\n\nfrontend: add the download button\n\nalso write release notes",
		"backend", "frontend")
	comps := transform.Split(tk)
	if len(comps) != 2 {
		t.Fatalf("got %d components, want 2", len(comps))
	}
	var total string
	for _, c := range comps {
		if len(c.Categories) != 1 {
			t.Fatalf("component scoped to %d categories, want 1", len(c.Categories))
		}
		total += c.Context + "\n\n"
	}
	// every paragraph lands somewhere, the unmatched one round-robins
	for _, frag := range []string{"export endpoint", "download button", "release notes"} {
		if !strings.Contains(total, frag) {
			t.Fatalf("paragraph %q lost during split", frag)
		}
	}
}

func TestSplitSingleParagraphFallsBackToCategories(t *testing.T) {
	tk := task("t", 5, "one indivisible block of context", "backend", "frontend")
	comps := transform.Split(tk)
	if len(comps) != 2 {
		t.Fatalf("got %d components, want one per category", len(comps))
	}
	for _, c := range comps {
		if c.Context != tk.Context {
			t.Fatal("fallback components must share the full context")
		}
	}
}

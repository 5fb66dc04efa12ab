package matching_test

import (
	"fmt"
	"testing"
	"time"

	"taskmesh/internal/domain"
	"taskmesh/internal/matching"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEngine() matching.Engine {
	return matching.New(matching.Weights{
		Category:            0.5,
		Complexity:          0.3,
		Age:                 0.2,
		AgeCap:              48 * time.Hour,
		ReputationBonus:     0.1,
		ReputationThreshold: 0.5,
	}, 10, 0.2)
}

func profile(id string, maxComplexity int, skills ...domain.Skill) domain.AgentProfile {
	return domain.AgentProfile{AgentID: id, Skills: skills, MaxComplexity: maxComplexity}
}

func task(id, author string, cx int, age time.Duration, categories ...string) domain.Task {
	return domain.Task{
		ID:         id,
		AuthorID:   author,
		Status:     domain.TaskPublished,
		Complexity: cx,
		Categories: categories,
		CreatedAt:  fixedNow.Add(-age).Format(time.RFC3339),
	}
}

func TestScoreCategoryOverlap(t *testing.T) {
	e := testEngine()
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	onCat := task("t1", "alice", 3, 0, "backend")
	offCat := task("t2", "alice", 3, 0, "design")

	if got, want := e.Score(p, onCat, 0, fixedNow), e.Score(p, offCat, 0, fixedNow); got <= want {
		t.Fatalf("on-category %f should out-score off-category %f", got, want)
	}

	// adding an overlapping skill never lowers the score
	before := e.Score(p, task("t3", "alice", 3, 0, "backend", "infra"), 0, fixedNow)
	p.Skills = append(p.Skills, domain.Skill{Category: "infra", Confidence: 0.4})
	after := e.Score(p, task("t3", "alice", 3, 0, "backend", "infra"), 0, fixedNow)
	if after < before {
		t.Fatalf("adding a skill lowered the score: %f -> %f", before, after)
	}
}

func TestScoreComplexityCeiling(t *testing.T) {
	e := testEngine()
	p := profile("bob", 3, domain.Skill{Category: "backend", Confidence: 1.0})
	within := e.Score(p, task("t1", "alice", 3, 0, "backend"), 0, fixedNow)
	above := e.Score(p, task("t2", "alice", 5, 0, "backend"), 0, fixedNow)
	if above >= within {
		t.Fatalf("task above the ceiling scored %f, within %f", above, within)
	}
}

func TestScoreAgeBonusCapped(t *testing.T) {
	e := testEngine()
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	fresh := e.Score(p, task("t1", "alice", 3, 0, "backend"), 0, fixedNow)
	aged := e.Score(p, task("t2", "alice", 3, 24*time.Hour, "backend"), 0, fixedNow)
	ancient := e.Score(p, task("t3", "alice", 3, 30*24*time.Hour, "backend"), 0, fixedNow)
	if aged <= fresh {
		t.Fatalf("age bonus missing: fresh %f, aged %f", fresh, aged)
	}
	capped := e.Score(p, task("t4", "alice", 3, 48*time.Hour, "backend"), 0, fixedNow)
	if ancient != capped {
		t.Fatalf("age bonus not capped: %f vs %f", ancient, capped)
	}
}

func TestScoreReputationBonus(t *testing.T) {
	e := testEngine()
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	tk := task("t1", "alice", 3, 0, "backend")
	plain := e.Score(p, tk, 0.4, fixedNow)
	boosted := e.Score(p, tk, 0.9, fixedNow)
	if boosted-plain < 0.09 || boosted-plain > 0.11 {
		t.Fatalf("reputation bonus delta %f, want ~0.1", boosted-plain)
	}
}

func TestRankFiltersAndOrders(t *testing.T) {
	e := testEngine()
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	own := task("own", "bob", 3, 0, "backend")
	claimed := task("claimed", "alice", 3, 0, "backend")
	claimed.Status = domain.TaskInProgress
	strong := task("strong", "alice", 8, 0, "backend")
	weak := task("weak", "alice", 1, 0, "design")

	matches := e.Rank(p, []domain.Task{own, claimed, weak, strong}, nil, fixedNow)
	for _, m := range matches {
		switch m.Task.ID {
		case "own":
			t.Fatal("ranked the agent's own task")
		case "claimed":
			t.Fatal("ranked a non-published task")
		case "weak":
			t.Fatal("ranked a task below the relevance threshold")
		}
	}
	if len(matches) != 1 || matches[0].Task.ID != "strong" {
		t.Fatalf("matches = %+v, want only strong", matches)
	}
}

func TestRankTieBreaksByCreatedAt(t *testing.T) {
	e := testEngine()
	e.Weights.Age = 0 // same score regardless of age
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	older := task("older", "alice", 3, 2*time.Hour, "backend")
	newer := task("newer", "alice", 3, time.Hour, "backend")

	matches := e.Rank(p, []domain.Task{newer, older}, nil, fixedNow)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Task.ID != "older" {
		t.Fatalf("tie must break toward the earlier task, got %s first", matches[0].Task.ID)
	}
}

func TestRankTopN(t *testing.T) {
	e := testEngine()
	e.TopN = 3
	p := profile("bob", 8, domain.Skill{Category: "backend", Confidence: 1.0})
	var tasks []domain.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i), "alice", 3, time.Duration(i)*time.Hour, "backend"))
	}
	matches := e.Rank(p, tasks, nil, fixedNow)
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want top 3", len(matches))
	}
}

func TestComplementaryDisjointCategories(t *testing.T) {
	tk := task("t1", "alice", 5, 0, "backend", "frontend")
	pool := []domain.AgentProfile{
		{AgentID: "b1", MaxComplexity: 8, ReputationScore: 0.9, Skills: []domain.Skill{{Category: "backend", Confidence: 0.9}}},
		{AgentID: "b2", MaxComplexity: 8, ReputationScore: 0.5, Skills: []domain.Skill{{Category: "backend", Confidence: 0.8}}},
		{AgentID: "f1", MaxComplexity: 8, ReputationScore: 0.4, Skills: []domain.Skill{{Category: "frontend", Confidence: 0.9}}},
		{AgentID: "weakling", MaxComplexity: 2, ReputationScore: 1.0, Skills: []domain.Skill{{Category: "infra", Confidence: 0.9}}},
		{AgentID: "off", MaxComplexity: 8, ReputationScore: 0.3, Skills: []domain.Skill{{Category: "infra", Confidence: 0.9}}},
	}
	cell := matching.Complementary(pool, tk, 3)
	if len(cell) != 3 {
		t.Fatalf("cell size %d, want 3", len(cell))
	}
	seen := map[string]bool{}
	for _, p := range cell {
		if p.AgentID == "weakling" {
			t.Fatal("selected an agent below the task complexity")
		}
		cat := p.Skills[0].Category
		if seen[cat] {
			t.Fatalf("category %s seated twice", cat)
		}
		seen[cat] = true
	}
	// the highest-reputation backend agent wins the backend seat
	if cell[0].AgentID != "b1" {
		t.Fatalf("backend seat went to %s, want b1", cell[0].AgentID)
	}
}

func TestComplementaryExcludesAuthor(t *testing.T) {
	tk := task("t1", "alice", 5, 0, "backend")
	pool := []domain.AgentProfile{
		{AgentID: "alice", MaxComplexity: 8, Skills: []domain.Skill{{Category: "backend", Confidence: 0.9}}},
		{AgentID: "bob", MaxComplexity: 8, Skills: []domain.Skill{{Category: "backend", Confidence: 0.7}}},
	}
	cell := matching.Complementary(pool, tk, 3)
	if len(cell) != 1 || cell[0].AgentID != "bob" {
		t.Fatalf("cell = %+v, want only bob", cell)
	}
}

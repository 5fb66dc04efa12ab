package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmesh/internal/config"
	"taskmesh/internal/domain"
	"taskmesh/internal/events"
	"taskmesh/internal/matching"
	"taskmesh/internal/repo"
	"taskmesh/internal/reputation"
	"taskmesh/internal/transform"
)

// Engine owns the task store lifecycle: publish (with the merge check),
// claim, solutions, decomposition and the janitor sweeps. Dialog state lives
// in the dialog package; federation in the federation package.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Matcher builds the matching engine from the node config.
func (e Engine) Matcher() matching.Engine {
	m := e.Config.Matching
	return matching.New(matching.Weights{
		Category:            m.CategoryWeight,
		Complexity:          m.ComplexityWeight,
		Age:                 m.AgeWeight,
		AgeCap:              time.Duration(m.AgeCapHours * float64(time.Hour)),
		ReputationBonus:     m.ReputationBonus,
		ReputationThreshold: m.ReputationThreshold,
	}, m.TopN, m.MinScore)
}

func (e Engine) calculator() reputation.Calculator {
	r := e.Config.Reputation
	return reputation.New(reputation.Weights{
		Success:          r.SuccessWeight,
		Complexity:       r.ComplexityWeight,
		Speed:            r.SpeedWeight,
		Feedback:         r.FeedbackWeight,
		SpeedNormSeconds: r.SpeedNormSeconds,
	})
}

// RegisterAgent creates or updates a local agent profile.
func (e Engine) RegisterAgent(ctx context.Context, p domain.AgentProfile) (domain.AgentProfile, error) {
	if p.AvailableTo == 0 {
		p.AvailableTo = 24
	}
	// skill categories share the task category namespace, lowercased at publish
	for i := range p.Skills {
		p.Skills[i].Category = strings.ToLower(strings.TrimSpace(p.Skills[i].Category))
	}
	if err := domain.ValidateProfile(p); err != nil {
		return p, err
	}
	now := e.nowStr()
	existing, err := e.Repo.GetProfile(ctx, p.AgentID)
	if err == nil {
		p.ReputationScore = existing.ReputationScore
		p.SolvedCount = existing.SolvedCount
		p.AvgSolveSeconds = existing.AvgSolveSeconds
		p.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, repo.ErrNotFound) {
		p.CreatedAt = now
	} else {
		return p, err
	}
	p.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProfile(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "agent", p.AgentID, p.AgentID, events.EventPayload{"max_complexity": p.MaxComplexity}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// TaskPublishOptions are parameters for publishing a task.
type TaskPublishOptions struct {
	ID         string
	AuthorID   string
	Complexity int
	Categories []string
	Context    string
	ParentID   string
	OriginNode string
	TTL        time.Duration
}

// PublishResult reports what happened to a freshly published task: whether it
// was folded into a meta-task, and whether it is eligible for cell formation.
type PublishResult struct {
	Task         domain.Task
	MergedInto   *domain.Task
	CellEligible bool
}

// PublishTask validates and publishes a task. The merge check runs before any
// decomposition consideration: folding a duplicate may remove the need to
// split it at all.
func (e Engine) PublishTask(ctx context.Context, opts TaskPublishOptions) (PublishResult, error) {
	now := e.now().UTC()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.Config.Tasks.DefaultTTL
	}
	t := domain.Task{
		ID:         opts.ID,
		AuthorID:   opts.AuthorID,
		Status:     domain.TaskPublished,
		Complexity: opts.Complexity,
		Categories: normalizeCategories(opts.Categories),
		Context:    opts.Context,
		OriginNode: opts.OriginNode,
		CreatedAt:  now.Format(time.RFC3339),
		UpdatedAt:  now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if opts.ParentID != "" {
		t.ParentID = &opts.ParentID
	}
	if err := domain.ValidateTask(t); err != nil {
		return PublishResult{}, err
	}

	published, err := e.Repo.ListPublished(ctx)
	if err != nil {
		return PublishResult{}, err
	}
	candidates := transform.MergeCandidates(t, published,
		e.Config.Transform.SimilarityThreshold, e.Config.Transform.MergeWindow, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PublishResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return PublishResult{}, err
	}
	if err := e.Repo.AppendContext(ctx, tx, t.ID, t.AuthorID, t.Context, t.CreatedAt); err != nil {
		return PublishResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.published", "task", t.ID, opts.AuthorID, events.EventPayload{
		"complexity": t.Complexity, "categories": t.Categories, "origin_node": t.OriginNode,
	}); err != nil {
		return PublishResult{}, err
	}

	res := PublishResult{Task: t}
	if len(candidates) > 0 {
		meta, err := e.mergeTasks(ctx, tx, t, candidates)
		if err != nil {
			return PublishResult{}, err
		}
		res.MergedInto = &meta
		res.Task.MetaTaskID = &meta.ID
	} else if t.ParentID == nil && t.Complexity > e.Config.Transform.DecomposeThreshold {
		res.CellEligible = true
	}
	if err := tx.Commit(); err != nil {
		return PublishResult{}, err
	}
	return res, nil
}

// mergeTasks folds the new task and its duplicates under a meta-task. The
// originals stay in the store as provenance; only their meta reference is set.
func (e Engine) mergeTasks(ctx context.Context, tx *sql.Tx, t domain.Task, candidates []transform.Candidate) (domain.Task, error) {
	now := e.nowStr()
	group := []domain.Task{t}
	for _, c := range candidates {
		group = append(group, c.Task)
	}

	meta := domain.Task{
		ID:         uuid.New().String(),
		AuthorID:   t.AuthorID,
		Status:     domain.TaskPublished,
		Complexity: maxComplexity(group),
		Categories: unionCategories(group),
		Context:    combinedContext(group),
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  t.ExpiresAt,
	}
	if err := e.Repo.InsertTask(ctx, tx, meta); err != nil {
		return meta, err
	}
	for _, orig := range group {
		orig.MetaTaskID = &meta.ID
		orig.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, orig); err != nil {
			return meta, err
		}
		if err := e.Repo.AddMetaLink(ctx, tx, meta.ID, orig.ID); err != nil {
			return meta, err
		}
		// original authors learn their task was folded
		if err := e.Events.Append(ctx, tx, "task.merged", "task", orig.ID, orig.AuthorID, events.EventPayload{
			"meta_task_id": meta.ID,
		}); err != nil {
			return meta, err
		}
	}
	return meta, e.Events.Append(ctx, tx, "task.meta.created", "task", meta.ID, t.AuthorID, events.EventPayload{
		"linked": len(group),
	})
}

// ClaimTask atomically moves a published task to in_progress for agentID.
// Exactly one concurrent claimant wins; the rest get ErrConflict.
func (e Engine) ClaimTask(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	if agentID == "" {
		return domain.Task{}, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := e.Repo.ClaimTask(ctx, tx, taskID, agentID, now); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Task{}, fmt.Errorf("%w: task %s already claimed", domain.ErrConflict, taskID)
		}
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", "task", taskID, agentID, events.EventPayload{}); err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

// SolutionResult is the outcome of a solution submission.
type SolutionResult struct {
	Task            domain.Task
	Accepted        bool
	ReputationDelta float64
	// RedirectDialogID is set when the task was merged and the submission
	// belongs in the meta-task's dialog instead.
	RedirectDialogID string
}

// SubmitSolution records a solution from the task's claimant and resolves the
// task. Submissions against a merged task are redirected to the meta-task.
func (e Engine) SubmitSolution(ctx context.Context, taskID, agentID, content string, feedbackQuality *float64) (SolutionResult, error) {
	if strings.TrimSpace(content) == "" {
		return SolutionResult{}, fmt.Errorf("%w: solution content is required", domain.ErrValidation)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return SolutionResult{}, err
	}
	if t.MetaTaskID != nil {
		d, err := e.Repo.ActiveDialogForTask(ctx, *t.MetaTaskID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return SolutionResult{}, err
		}
		res := SolutionResult{Task: t}
		if err == nil {
			res.RedirectDialogID = d.ID
		}
		return res, fmt.Errorf("%w: task %s merged into %s; submit to the meta-task", domain.ErrConflict, taskID, *t.MetaTaskID)
	}
	if t.Status != domain.TaskInProgress {
		return SolutionResult{}, fmt.Errorf("%w: task %s is %s, not in_progress", domain.ErrConflict, taskID, t.Status)
	}
	if t.ClaimantID == nil || *t.ClaimantID != agentID {
		return SolutionResult{}, fmt.Errorf("%w: agent %s does not hold the claim on %s", domain.ErrForbidden, agentID, taskID)
	}

	before, err := e.Repo.GetProfile(ctx, agentID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return SolutionResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SolutionResult{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if err := domain.EnsureTaskTransition(t.Status, domain.TaskResolved); err != nil {
		return SolutionResult{}, err
	}
	t.Status = domain.TaskResolved
	t.Solution = &content
	t.ResolvedAt = &now
	t.UpdatedAt = now
	t.ExpiresAt = e.now().UTC().Add(e.Config.Tasks.ArchiveAfter).Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return SolutionResult{}, err
	}
	if err := e.Repo.InsertSolution(ctx, tx, repo.Solution{
		ID:              uuid.New().String(),
		TaskID:          t.ID,
		AgentID:         agentID,
		Content:         content,
		FeedbackQuality: feedbackQuality,
		SubmittedAt:     now,
	}); err != nil {
		return SolutionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.resolved", "task", t.ID, agentID, events.EventPayload{}); err != nil {
		return SolutionResult{}, err
	}
	if t.ParentID != nil {
		if err := e.aggregateParent(ctx, tx, *t.ParentID, agentID); err != nil {
			return SolutionResult{}, err
		}
	}
	after, err := e.recomputeReputation(ctx, tx, agentID)
	if err != nil {
		return SolutionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SolutionResult{}, err
	}
	return SolutionResult{
		Task:            t,
		Accepted:        true,
		ReputationDelta: after - before.ReputationScore,
	}, nil
}

// ResolveByConsensus records a dialog's consensus proposal as the task
// solution. Called by the dialog orchestrator, it reuses the same resolved
// transition as single-agent solutions.
func (e Engine) ResolveByConsensus(ctx context.Context, tx *sql.Tx, taskID, synthesizerID, content string) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	switch t.Status {
	case domain.TaskInProgress, domain.TaskDecomposed:
	case domain.TaskPublished:
		// a remotely solved task is still published on its origin node;
		// it passes through in_progress implicitly
	default:
		return fmt.Errorf("%w: task %s is %s", domain.ErrConflict, taskID, t.Status)
	}
	now := e.nowStr()
	t.Status = domain.TaskResolved
	t.Solution = &content
	t.ResolvedAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.resolved", "task", t.ID, synthesizerID, events.EventPayload{"via": "consensus"}); err != nil {
		return err
	}
	if t.ParentID != nil {
		return e.aggregateParent(ctx, tx, *t.ParentID, synthesizerID)
	}
	return nil
}

// RejectTask moves a task to rejected and escalates the parent when the task
// is a subtask: all-or-escalate, never a silent drop.
func (e Engine) RejectTask(ctx context.Context, tx *sql.Tx, taskID, actorID, reason string) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if err := domain.EnsureTaskTransition(t.Status, domain.TaskRejected); err != nil {
		return err
	}
	now := e.nowStr()
	t.Status = domain.TaskRejected
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.rejected", "task", t.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	if t.ParentID != nil {
		return e.escalateParent(ctx, tx, *t.ParentID, t.ID, actorID)
	}
	return nil
}

// aggregateParent resolves a decomposed parent once every subtask resolved.
func (e Engine) aggregateParent(ctx context.Context, tx *sql.Tx, parentID, actorID string) error {
	parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != domain.TaskDecomposed {
		return nil
	}
	children, err := e.listChildrenTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status != domain.TaskResolved {
			return nil
		}
	}
	now := e.nowStr()
	summary := make([]string, 0, len(children))
	for _, c := range children {
		if c.Solution != nil {
			summary = append(summary, *c.Solution)
		}
	}
	sol := strings.Join(summary, "\n\n")
	parent.Status = domain.TaskResolved
	parent.Solution = &sol
	parent.ResolvedAt = &now
	parent.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, parent); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.resolved", "task", parent.ID, actorID, events.EventPayload{
		"via": "subtask_aggregation", "subtasks": len(children),
	})
}

// escalateParent flags a decomposed parent for manual re-decomposition after
// a subtask rejection.
func (e Engine) escalateParent(ctx context.Context, tx *sql.Tx, parentID, rejectedID, actorID string) error {
	parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != domain.TaskDecomposed || parent.NeedsAttention {
		return nil
	}
	parent.NeedsAttention = true
	parent.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, tx, parent); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "task.decomposition.escalated", "task", parent.ID, actorID, events.EventPayload{
		"rejected_subtask": rejectedID,
	})
}

func (e Engine) listChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id=?`, parentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DecomposeTask splits an oversized task into independently published
// subtasks. One shot: subtasks are never auto-decomposed again.
func (e Engine) DecomposeTask(ctx context.Context, taskID, actorID string) ([]domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := transform.Decomposable(t, e.Config.Transform.DecomposeThreshold); err != nil {
		return nil, err
	}
	components := transform.Split(t)
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: task %s produced no components", domain.ErrValidation, taskID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	subComplexity := transform.SubtaskComplexity(t.Complexity)
	subs := make([]domain.Task, 0, len(components))
	for _, comp := range components {
		sub := domain.Task{
			ID:         uuid.New().String(),
			AuthorID:   t.AuthorID,
			Status:     domain.TaskPublished,
			Complexity: subComplexity,
			Categories: comp.Categories,
			Context:    comp.Context,
			ParentID:   &t.ID,
			OriginNode: t.OriginNode,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  t.ExpiresAt,
		}
		if err := e.Repo.InsertTask(ctx, tx, sub); err != nil {
			return nil, err
		}
		if err := e.Repo.AppendContext(ctx, tx, sub.ID, actorID, comp.Context, now); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := domain.EnsureTaskTransition(t.Status, domain.TaskDecomposed); err != nil {
		return nil, err
	}
	t.Status = domain.TaskDecomposed
	t.NeedsAttention = false
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	subIDs := make([]string, len(subs))
	for i, s := range subs {
		subIDs[i] = s.ID
	}
	if err := e.Events.Append(ctx, tx, "task.decomposed", "task", t.ID, actorID, events.EventPayload{
		"subtasks": subIDs,
	}); err != nil {
		return nil, err
	}
	return subs, tx.Commit()
}

// AppendTaskContext adds to the task's append-only context log.
func (e Engine) AppendTaskContext(ctx context.Context, taskID, authorID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: context text is required", domain.ErrValidation)
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AppendContext(ctx, tx, taskID, authorID, text, e.nowStr()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.context.appended", "task", taskID, authorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// MatchTasks ranks published tasks for the given agent. Read-only.
func (e Engine) MatchTasks(ctx context.Context, agentID string, categories []string) ([]matching.Match, error) {
	profile, err := e.Repo.GetProfile(ctx, agentID)
	if err != nil {
		return nil, err
	}
	published, err := e.Repo.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		published = filterByCategories(published, categories)
	}
	reps := map[string]float64{}
	profiles, err := e.Repo.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		reps[p.AgentID] = p.ReputationScore
	}
	return e.Matcher().Rank(profile, published, func(id string) float64 { return reps[id] }, e.now()), nil
}

// SimilarTasks returns merge candidates for an hypothetical task, for the
// pre-publish duplicate probe.
func (e Engine) SimilarTasks(ctx context.Context, text string, categories []string, complexity int) ([]transform.Candidate, error) {
	if complexity == 0 {
		complexity = domain.ComplexityScale[0]
	}
	probe := domain.Task{
		Context:    text,
		Categories: normalizeCategories(categories),
		Complexity: complexity,
	}
	published, err := e.Repo.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	return transform.MergeCandidates(probe, published,
		e.Config.Transform.SimilarityThreshold, e.Config.Transform.MergeWindow, e.now()), nil
}

// recomputeReputation rebuilds the agent's score from its full outcome
// history and persists it. Returns the new score.
func (e Engine) recomputeReputation(ctx context.Context, tx *sql.Tx, agentID string) (float64, error) {
	history, solved, avgSeconds, err := e.outcomeHistory(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	score := e.calculator().Score(history)
	if err := e.Repo.UpdateReputation(ctx, tx, agentID, score, solved, avgSeconds, e.nowStr()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return score, nil // unregistered claimant, nothing to persist
		}
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "reputation.updated", "agent", agentID, agentID, events.EventPayload{
		"score": score,
	}); err != nil {
		return 0, err
	}
	return score, nil
}

func (e Engine) outcomeHistory(ctx context.Context, tx *sql.Tx, agentID string) ([]reputation.Outcome, int, float64, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT t.complexity, t.status, t.claimed_at, t.resolved_at, s.feedback_quality
FROM tasks t
LEFT JOIN solutions s ON s.task_id = t.id AND s.agent_id = t.claimant_id
WHERE t.claimant_id = ? AND t.status IN (?,?,?)`,
		agentID, domain.TaskResolved, domain.TaskRejected, domain.TaskArchived)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	var history []reputation.Outcome
	var solved int
	var totalSeconds float64
	for rows.Next() {
		var complexity int
		var status string
		var claimedAt, resolvedAt sql.NullString
		var feedback sql.NullFloat64
		if err := rows.Scan(&complexity, &status, &claimedAt, &resolvedAt, &feedback); err != nil {
			return nil, 0, 0, err
		}
		o := reputation.Outcome{Complexity: complexity}
		if status == domain.TaskResolved || (status == domain.TaskArchived && resolvedAt.Valid) {
			o.Resolved = true
			solved++
			if claimedAt.Valid && resolvedAt.Valid {
				o.SolveDuration = parseDuration(claimedAt.String, resolvedAt.String)
				totalSeconds += o.SolveDuration.Seconds()
			}
		}
		if feedback.Valid {
			o.FeedbackQuality = &feedback.Float64
		}
		history = append(history, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	avg := 0.0
	if solved > 0 {
		avg = totalSeconds / float64(solved)
	}
	return history, solved, avg, nil
}

func parseDuration(from, to string) time.Duration {
	a, err1 := time.Parse(time.RFC3339, from)
	b, err2 := time.Parse(time.RFC3339, to)
	if err1 != nil || err2 != nil || b.Before(a) {
		return 0
	}
	return b.Sub(a)
}

func normalizeCategories(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func filterByCategories(tasks []domain.Task, categories []string) []domain.Task {
	want := map[string]bool{}
	for _, c := range categories {
		want[strings.ToLower(c)] = true
	}
	var out []domain.Task
	for _, t := range tasks {
		for _, c := range t.Categories {
			if want[strings.ToLower(c)] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func maxComplexity(tasks []domain.Task) int {
	out := 1
	for _, t := range tasks {
		if t.Complexity > out {
			out = t.Complexity
		}
	}
	return out
}

func unionCategories(tasks []domain.Task) []string {
	var all []string
	for _, t := range tasks {
		all = append(all, t.Categories...)
	}
	return normalizeCategories(all)
}

func combinedContext(tasks []domain.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, strings.TrimSpace(t.Context))
	}
	return strings.Join(parts, "\n\n")
}

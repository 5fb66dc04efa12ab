package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskmesh/internal/domain"
)

const taskColumns = `id,author_id,status,complexity,categories_json,context,parent_id,claimant_id,solution,meta_task_id,origin_node,needs_attention,created_at,updated_at,expires_at,claimed_at,resolved_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var categories string
	var parentID, claimantID, solution, metaTaskID, originNode, expiresAt, claimedAt, resolvedAt sql.NullString
	var needsAttention int
	err := scan(&t.ID, &t.AuthorID, &t.Status, &t.Complexity, &categories, &t.Context,
		&parentID, &claimantID, &solution, &metaTaskID, &originNode, &needsAttention,
		&t.CreatedAt, &t.UpdatedAt, &expiresAt, &claimedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Categories = unmarshalStrings(categories)
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if claimantID.Valid {
		t.ClaimantID = &claimantID.String
	}
	if solution.Valid {
		t.Solution = &solution.String
	}
	if metaTaskID.Valid {
		t.MetaTaskID = &metaTaskID.String
	}
	if originNode.Valid {
		t.OriginNode = originNode.String
	}
	t.NeedsAttention = needsAttention != 0
	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AuthorID, t.Status, t.Complexity, marshalStrings(t.Categories), t.Context,
		nullableStringPtr(t.ParentID), nullableStringPtr(t.ClaimantID), nullableStringPtr(t.Solution),
		nullableStringPtr(t.MetaTaskID), nullable(t.OriginNode), boolInt(t.NeedsAttention),
		t.CreatedAt, t.UpdatedAt, nullable(t.ExpiresAt), nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.ResolvedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, complexity=?, categories_json=?, context=?, parent_id=?, claimant_id=?, solution=?, meta_task_id=?, needs_attention=?, updated_at=?, expires_at=?, claimed_at=?, resolved_at=? WHERE id=?`,
		t.Status, t.Complexity, marshalStrings(t.Categories), t.Context,
		nullableStringPtr(t.ParentID), nullableStringPtr(t.ClaimantID), nullableStringPtr(t.Solution),
		nullableStringPtr(t.MetaTaskID), boolInt(t.NeedsAttention),
		t.UpdatedAt, nullable(t.ExpiresAt), nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.ResolvedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// ClaimTask performs the atomic compare-and-set claim: the update succeeds
// only from published. Returns ErrConflict when another claimant won.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, agentID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, claimant_id=?, claimed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskInProgress, agentID, now, now, id, domain.TaskPublished)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	// distinguish missing from already claimed
	if _, err := r.GetTaskTx(ctx, tx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

type TaskFilters struct {
	Status     string
	AuthorID   string
	ClaimantID string
	ParentID   string
	Category   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.ClaimantID != "" {
		clauses = append(clauses, "claimant_id=?")
		args = append(args, f.ClaimantID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Category != "" {
		// categories_json is a JSON array of strings
		clauses = append(clauses, `categories_json LIKE '%"' || ? || '"%'`)
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPublished returns all published tasks, oldest first, for the matching
// engine and the federation export path.
func (r Repo) ListPublished(ctx context.Context) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{Status: domain.TaskPublished})
}

// ListChildren returns the subtasks produced by decomposing taskID.
func (r Repo) ListChildren(ctx context.Context, taskID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{ParentID: taskID})
}

// ExpiredClaims returns in_progress tasks whose claim is older than cutoff.
func (r Repo) ExpiredClaims(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND claimed_at < ?`,
		domain.TaskInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ExpiredTasks returns published or resolved tasks past their expires_at.
func (r Repo) ExpiredTasks(ctx context.Context, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?,?,?) AND expires_at IS NOT NULL AND expires_at < ?`,
		domain.TaskPublished, domain.TaskResolved, domain.TaskRejected, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ResolvedForOrigin returns resolved tasks imported from originNode whose
// resolution is newer than since. The gateway uses this to flow solutions
// back to the node that published them.
func (r Repo) ResolvedForOrigin(ctx context.Context, originNode, since string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE origin_node=? AND status=? AND resolved_at IS NOT NULL`
	args := []any{originNode, domain.TaskResolved}
	if since != "" {
		// inclusive: the watermark is the newest resolved_at already pushed,
		// so same-second resolutions are re-sent and deduped by the receiver
		query += ` AND resolved_at >= ?`
		args = append(args, since)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY resolved_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AppendContext adds an entry to the task's append-only context log.
func (r Repo) AppendContext(ctx context.Context, tx *sql.Tx, taskID, authorID, text, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_context_log(task_id,author_id,text,ts) VALUES (?,?,?,?)`,
		taskID, authorID, text, ts)
	return err
}

func (r Repo) ListContext(ctx context.Context, taskID string) ([]domain.ContextEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,task_id,author_id,text,ts FROM task_context_log WHERE task_id=? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextEntry
	for rows.Next() {
		var e domain.ContextEntry
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.AuthorID, &e.Text, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AddMetaLink records provenance from a meta-task to an original task.
func (r Repo) AddMetaLink(ctx context.Context, tx *sql.Tx, metaTaskID, originalTaskID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO meta_links(meta_task_id,original_task_id) VALUES (?,?)`,
		metaTaskID, originalTaskID)
	return err
}

func (r Repo) ListMetaLinks(ctx context.Context, metaTaskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT original_task_id FROM meta_links WHERE meta_task_id=?`, metaTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type Solution struct {
	ID              string
	TaskID          string
	AgentID         string
	Content         string
	FeedbackQuality *float64
	SubmittedAt     string
}

func (r Repo) InsertSolution(ctx context.Context, tx *sql.Tx, s Solution) error {
	var fq any
	if s.FeedbackQuality != nil {
		fq = *s.FeedbackQuality
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO solutions(id,task_id,agent_id,content,feedback_quality,submitted_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.AgentID, s.Content, fq, s.SubmittedAt)
	return err
}

func (r Repo) ListSolutionsByAgent(ctx context.Context, agentID string) ([]Solution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,agent_id,content,feedback_quality,submitted_at FROM solutions WHERE agent_id=? ORDER BY submitted_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Solution
	for rows.Next() {
		var s Solution
		var fq sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.TaskID, &s.AgentID, &s.Content, &fq, &s.SubmittedAt); err != nil {
			return nil, err
		}
		if fq.Valid {
			s.FeedbackQuality = &fq.Float64
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

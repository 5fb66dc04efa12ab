package repo

import (
	"context"
	"database/sql"

	"taskmesh/internal/domain"
)

func (r Repo) InsertDialog(ctx context.Context, tx *sql.Tx, d domain.Dialog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dialogs(id,task_id,status,consensus_threshold,critique_rounds,created_at,updated_at,last_activity_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.TaskID, d.Status, d.ConsensusThreshold, d.CritiqueRounds, d.CreatedAt, d.UpdatedAt, d.LastActivityAt)
	if err != nil {
		return err
	}
	for agentID, role := range d.Roles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dialog_participants(dialog_id,agent_id,role) VALUES (?,?,?)`,
			d.ID, agentID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateDialog(ctx context.Context, tx *sql.Tx, d domain.Dialog) error {
	res, err := tx.ExecContext(ctx, `UPDATE dialogs SET status=?, critique_rounds=?, updated_at=?, last_activity_at=? WHERE id=?`,
		d.Status, d.CritiqueRounds, d.UpdatedAt, d.LastActivityAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) loadRoles(ctx context.Context, q querier, dialogID string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT agent_id,role FROM dialog_participants WHERE dialog_id=? AND dropped=0`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := map[string]string{}
	for rows.Next() {
		var agentID, role string
		if err := rows.Scan(&agentID, &role); err != nil {
			return nil, err
		}
		roles[agentID] = role
	}
	return roles, rows.Err()
}

func (r Repo) getDialog(ctx context.Context, q querier, id string) (domain.Dialog, error) {
	var d domain.Dialog
	err := q.QueryRowContext(ctx, `SELECT id,task_id,status,consensus_threshold,critique_rounds,created_at,updated_at,last_activity_at FROM dialogs WHERE id=?`, id).
		Scan(&d.ID, &d.TaskID, &d.Status, &d.ConsensusThreshold, &d.CritiqueRounds, &d.CreatedAt, &d.UpdatedAt, &d.LastActivityAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Roles, err = r.loadRoles(ctx, q, d.ID)
	return d, err
}

func (r Repo) GetDialog(ctx context.Context, id string) (domain.Dialog, error) {
	return r.getDialog(ctx, r.DB, id)
}

func (r Repo) GetDialogTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dialog, error) {
	return r.getDialog(ctx, tx, id)
}

// ActiveDialogForTask returns the single active dialog for a task, if any.
func (r Repo) ActiveDialogForTask(ctx context.Context, taskID string) (domain.Dialog, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM dialogs WHERE task_id=? AND status NOT IN (?) ORDER BY created_at DESC LIMIT 1`,
		taskID, domain.DialogClosed).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Dialog{}, ErrNotFound
	}
	if err != nil {
		return domain.Dialog{}, err
	}
	return r.GetDialog(ctx, id)
}

// ListOpenDialogs returns dialogs that are not closed, for the stall sweep.
func (r Repo) ListOpenDialogs(ctx context.Context) ([]domain.Dialog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM dialogs WHERE status IN (?,?,?) ORDER BY created_at ASC`,
		domain.DialogForming, domain.DialogActive, domain.DialogStalled)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Dialog
	for _, id := range ids {
		d, err := r.GetDialog(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// ReplaceParticipant marks the dropped agent and seats the replacement with
// the same role. Message history stays untouched.
func (r Repo) ReplaceParticipant(ctx context.Context, tx *sql.Tx, dialogID, droppedID, replacementID string) error {
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM dialog_participants WHERE dialog_id=? AND agent_id=? AND dropped=0`, dialogID, droppedID).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE dialog_participants SET dropped=1 WHERE dialog_id=? AND agent_id=?`, dialogID, droppedID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dialog_participants(dialog_id,agent_id,role) VALUES (?,?,?)`, dialogID, replacementID, role)
	return err
}

// InsertMessage appends a message; the autoincrement seq establishes ordering
// under concurrent writers.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	var refs any
	if len(m.Refs) > 0 {
		refs = marshalStrings(m.Refs)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(id,dialog_id,author_id,type,content,refs_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.DialogID, m.AuthorID, m.Type, m.Content, refs, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var refs sql.NullString
	err := scan(&m.Seq, &m.ID, &m.DialogID, &m.AuthorID, &m.Type, &m.Content, &refs, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if refs.Valid {
		m.Refs = unmarshalStrings(refs.String)
	}
	return m, nil
}

func (r Repo) ListMessages(ctx context.Context, dialogID string) ([]domain.Message, error) {
	return r.listMessages(ctx, r.DB, dialogID)
}

func (r Repo) ListMessagesTx(ctx context.Context, tx *sql.Tx, dialogID string) ([]domain.Message, error) {
	return r.listMessages(ctx, tx, dialogID)
}

func (r Repo) listMessages(ctx context.Context, q querier, dialogID string) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq,id,dialog_id,author_id,type,content,refs_json,created_at FROM messages WHERE dialog_id=? ORDER BY seq ASC`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT seq,id,dialog_id,author_id,type,content,refs_json,created_at FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskmesh/internal/domain"
)

const profileColumns = `agent_id,skills_json,max_complexity,reputation_score,solved_count,avg_solve_seconds,available_from,available_to,created_at,updated_at`

func scanProfile(scan func(dest ...any) error) (domain.AgentProfile, error) {
	var p domain.AgentProfile
	var skills string
	err := scan(&p.AgentID, &skills, &p.MaxComplexity, &p.ReputationScore, &p.SolvedCount,
		&p.AvgSolveSeconds, &p.AvailableFrom, &p.AvailableTo, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(skills), &p.Skills); err != nil {
		return p, fmt.Errorf("decode skills for %s: %w", p.AgentID, err)
	}
	return p, nil
}

func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.AgentProfile) error {
	skills, err := json.Marshal(p.Skills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO profiles(`+profileColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET skills_json=excluded.skills_json, max_complexity=excluded.max_complexity,
available_from=excluded.available_from, available_to=excluded.available_to, updated_at=excluded.updated_at`,
		p.AgentID, string(skills), p.MaxComplexity, p.ReputationScore, p.SolvedCount,
		p.AvgSolveSeconds, p.AvailableFrom, p.AvailableTo, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, agentID string) (domain.AgentProfile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE agent_id=?`, agentID)
	return scanProfile(row.Scan)
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.AgentProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateReputation writes the derived score and response statistics.
func (r Repo) UpdateReputation(ctx context.Context, tx *sql.Tx, agentID string, score float64, solvedCount int, avgSolveSeconds float64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET reputation_score=?, solved_count=?, avg_solve_seconds=?, updated_at=? WHERE agent_id=?`,
		score, solvedCount, avgSolveSeconds, now, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

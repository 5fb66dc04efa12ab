package engine

import (
	"context"
	"time"

	"taskmesh/internal/domain"
	"taskmesh/internal/events"
)

// RequeueExpiredClaims returns in_progress tasks whose claim passed the
// abandonment timeout to published. This is the one sanctioned backward
// transition in the task status machine.
func (e Engine) RequeueExpiredClaims(ctx context.Context) (int, error) {
	cutoff := e.now().UTC().Add(-e.Config.Tasks.ClaimTimeout).Format(time.RFC3339)
	expired, err := e.Repo.ExpiredClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, t := range expired {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return requeued, err
		}
		claimant := ""
		if t.ClaimantID != nil {
			claimant = *t.ClaimantID
		}
		now := e.nowStr()
		t.Status = domain.TaskPublished
		t.ClaimantID = nil
		t.ClaimedAt = nil
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			tx.Rollback()
			return requeued, err
		}
		if err := e.Events.Append(ctx, tx, "task.claim.abandoned", "task", t.ID, claimant, events.EventPayload{}); err != nil {
			tx.Rollback()
			return requeued, err
		}
		if err := tx.Commit(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// ArchiveExpired archives tasks past their expires_at: resolved and rejected
// tasks age out after resolution, published tasks after their TTL with no
// activity.
func (e Engine) ArchiveExpired(ctx context.Context) (int, error) {
	expired, err := e.Repo.ExpiredTasks(ctx, e.nowStr())
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, t := range expired {
		if err := domain.EnsureTaskTransition(t.Status, domain.TaskArchived); err != nil {
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return archived, err
		}
		t.Status = domain.TaskArchived
		t.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			tx.Rollback()
			return archived, err
		}
		if err := e.Events.Append(ctx, tx, "task.archived", "task", t.ID, "janitor", events.EventPayload{}); err != nil {
			tx.Rollback()
			return archived, err
		}
		if err := tx.Commit(); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

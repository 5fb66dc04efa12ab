// Package dialog implements the cell orchestrator: it assembles a group of
// complementary agents around an oversized task and drives the discussion
// through forming -> active -> consensus_reached -> closed, with a stalled
// detour when the cell stops converging.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/events"
	"taskmesh/internal/matching"
	"taskmesh/internal/repo"
)

type Orchestrator struct {
	Engine engine.Engine
}

func New(e engine.Engine) Orchestrator {
	return Orchestrator{Engine: e}
}

func (o Orchestrator) now() time.Time {
	return o.Engine.Now()
}

func (o Orchestrator) nowStr() string {
	return o.now().UTC().Format(time.RFC3339)
}

// FormCell assembles a cell for a task whose complexity exceeded the
// decomposition threshold. Cells never form for subtasks: decomposition
// output is resolved by single agents, which bounds recursion at depth one.
func (o Orchestrator) FormCell(ctx context.Context, taskID, actorID string) (domain.Dialog, error) {
	e := o.Engine
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Dialog{}, err
	}
	if t.ParentID != nil {
		return domain.Dialog{}, fmt.Errorf("%w: no cell for subtask %s", domain.ErrValidation, taskID)
	}
	if t.Complexity <= e.Config.Transform.DecomposeThreshold {
		return domain.Dialog{}, fmt.Errorf("%w: complexity %d does not call for a cell", domain.ErrValidation, t.Complexity)
	}
	if t.Status != domain.TaskPublished {
		return domain.Dialog{}, fmt.Errorf("%w: task %s is %s", domain.ErrConflict, taskID, t.Status)
	}
	if _, err := e.Repo.ActiveDialogForTask(ctx, taskID); err == nil {
		return domain.Dialog{}, fmt.Errorf("%w: task %s already has an active dialog", domain.ErrConflict, taskID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Dialog{}, err
	}

	profiles, err := e.Repo.ListProfiles(ctx)
	if err != nil {
		return domain.Dialog{}, err
	}
	pool := profiles[:0:0]
	for _, p := range profiles {
		if p.AgentID != t.AuthorID {
			pool = append(pool, p)
		}
	}
	cell := matching.Complementary(pool, t, e.Config.Dialog.MaxParticipants)
	if len(cell) < e.Config.Dialog.MinParticipants {
		return domain.Dialog{}, fmt.Errorf("%w: only %d complementary agents available, need %d",
			domain.ErrValidation, len(cell), e.Config.Dialog.MinParticipants)
	}

	now := o.nowStr()
	d := domain.Dialog{
		ID:                 uuid.New().String(),
		TaskID:             taskID,
		Status:             domain.DialogActive,
		Roles:              assignRoles(cell),
		ConsensusThreshold: e.Config.Dialog.ConsensusThreshold,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastActivityAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dialog{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDialog(ctx, tx, d); err != nil {
		return domain.Dialog{}, err
	}
	// the cell takes the task over: no single-agent claim can race it
	if err := domain.EnsureTaskTransition(t.Status, domain.TaskInProgress); err != nil {
		return domain.Dialog{}, err
	}
	t.Status = domain.TaskInProgress
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Dialog{}, err
	}
	if err := e.Events.Append(ctx, tx, "dialog.formed", "dialog", d.ID, actorID, events.EventPayload{
		"task_id": taskID, "participants": d.Participants(),
	}); err != nil {
		return domain.Dialog{}, err
	}
	return d, tx.Commit()
}

// assignRoles seats exactly one moderator and one synthesizer; the rest
// alternate expert and critic. The input is reputation-ordered, so the
// strongest agent moderates.
func assignRoles(cell []domain.AgentProfile) map[string]string {
	roles := make(map[string]string, len(cell))
	for i, p := range cell {
		switch i {
		case 0:
			roles[p.AgentID] = domain.RoleModerator
		case 1:
			roles[p.AgentID] = domain.RoleSynthesizer
		default:
			if i%2 == 0 {
				roles[p.AgentID] = domain.RoleExpert
			} else {
				roles[p.AgentID] = domain.RoleCritic
			}
		}
	}
	return roles
}

// AppendMessage adds an append-only message to an active dialog. Ordering is
// the store's monotonic sequence, never a client timestamp. A message to a
// stalled dialog reactivates it.
func (o Orchestrator) AppendMessage(ctx context.Context, dialogID, authorID, msgType, content string, refs []string) (domain.Message, error) {
	e := o.Engine
	d, err := e.Repo.GetDialog(ctx, dialogID)
	if err != nil {
		return domain.Message{}, err
	}
	if d.Status != domain.DialogActive && d.Status != domain.DialogStalled {
		return domain.Message{}, fmt.Errorf("%w: dialog %s is %s", domain.ErrConflict, dialogID, d.Status)
	}
	if _, ok := d.Roles[authorID]; !ok {
		return domain.Message{}, fmt.Errorf("%w: agent %s is not a participant of dialog %s", domain.ErrForbidden, authorID, dialogID)
	}
	if !domain.ValidMessageType(msgType) {
		return domain.Message{}, fmt.Errorf("%w: unknown message type %q", domain.ErrValidation, msgType)
	}
	for _, ref := range refs {
		m, err := e.Repo.GetMessage(ctx, ref)
		if err != nil {
			return domain.Message{}, fmt.Errorf("%w: referenced message %s", domain.ErrValidation, ref)
		}
		if m.DialogID != dialogID {
			return domain.Message{}, fmt.Errorf("%w: message %s belongs to another dialog", domain.ErrValidation, ref)
		}
	}
	if msgType == domain.MessageAgreement {
		if _, err := o.referencedProposal(ctx, dialogID, refs); err != nil {
			return domain.Message{}, err
		}
	}

	now := o.nowStr()
	m := domain.Message{
		ID:        uuid.New().String(),
		DialogID:  dialogID,
		AuthorID:  authorID,
		Type:      msgType,
		Content:   content,
		Refs:      refs,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.InsertMessage(ctx, tx, m)
	if err != nil {
		return domain.Message{}, err
	}
	m.Seq = seq

	d.LastActivityAt = now
	d.UpdatedAt = now
	switch msgType {
	case domain.MessageCritique:
		d.CritiqueRounds++
	case domain.MessageProposal:
		// a fresh proposal restarts the convergence clock
		d.CritiqueRounds = 0
	}
	if d.Status == domain.DialogStalled {
		d.Status = domain.DialogActive
	}
	if msgType == domain.MessageAgreement {
		msgs, err := e.Repo.ListMessagesTx(ctx, tx, dialogID)
		if err != nil {
			return domain.Message{}, err
		}
		if _, frac := BestProposal(d, msgs); frac >= d.ConsensusThreshold {
			d.Status = domain.DialogConsensusReached
		}
	}
	if err := e.Repo.UpdateDialog(ctx, tx, d); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.Append(ctx, tx, "dialog.message", "dialog", dialogID, authorID, events.EventPayload{
		"message_id": m.ID, "type": msgType, "seq": seq,
	}); err != nil {
		return domain.Message{}, err
	}
	return m, tx.Commit()
}

func (o Orchestrator) referencedProposal(ctx context.Context, dialogID string, refs []string) (domain.Message, error) {
	for _, ref := range refs {
		m, err := o.Engine.Repo.GetMessage(ctx, ref)
		if err == nil && m.DialogID == dialogID && m.Type == domain.MessageProposal {
			return m, nil
		}
	}
	return domain.Message{}, fmt.Errorf("%w: agreement must reference a proposal in the dialog", domain.ErrValidation)
}

// BestProposal returns the proposal with the highest agreement fraction and
// that fraction. One counted vote per participant per proposal; an agent's
// later agreement supersedes its earlier one. An agreement may reference
// non-proposal messages too; only the first proposal ref carries the vote.
func BestProposal(d domain.Dialog, msgs []domain.Message) (string, float64) {
	participants := d.Roles
	if len(participants) == 0 {
		return "", 0
	}
	proposals := map[string]bool{}
	for _, m := range msgs {
		if m.Type == domain.MessageProposal {
			proposals[m.ID] = true
		}
	}
	// msgs arrive in seq order, so the last write wins
	latest := map[string]string{} // agent -> proposal
	for _, m := range msgs {
		if m.Type != domain.MessageAgreement {
			continue
		}
		if _, ok := participants[m.AuthorID]; !ok {
			continue
		}
		for _, ref := range m.Refs {
			if proposals[ref] {
				latest[m.AuthorID] = ref
				break
			}
		}
	}
	counts := map[string]int{}
	for _, proposal := range latest {
		counts[proposal]++
	}
	bestID, best := "", 0
	for id, n := range counts {
		if n > best || (n == best && id < bestID) || bestID == "" {
			bestID, best = id, n
		}
	}
	return bestID, float64(best) / float64(len(participants))
}

// ConsensusResult reports a declared consensus.
type ConsensusResult struct {
	Dialog     domain.Dialog
	ProposalID string
	Fraction   float64
	Task       domain.Task
}

// DeclareConsensus closes the dialog on the winning proposal: the proposal's
// content is recorded as the task solution, the task resolves, the dialog
// reaches its terminal state. Fails with ErrConflict while the agreement
// fraction is below the threshold.
func (o Orchestrator) DeclareConsensus(ctx context.Context, dialogID, actorID string) (ConsensusResult, error) {
	e := o.Engine
	d, err := e.Repo.GetDialog(ctx, dialogID)
	if err != nil {
		return ConsensusResult{}, err
	}
	if d.Status != domain.DialogActive && d.Status != domain.DialogConsensusReached {
		return ConsensusResult{}, fmt.Errorf("%w: dialog %s is %s", domain.ErrConflict, dialogID, d.Status)
	}
	msgs, err := e.Repo.ListMessages(ctx, dialogID)
	if err != nil {
		return ConsensusResult{}, err
	}
	proposalID, fraction := BestProposal(d, msgs)
	if proposalID == "" || fraction < d.ConsensusThreshold {
		return ConsensusResult{}, fmt.Errorf("%w: agreement fraction %.2f below threshold %.2f",
			domain.ErrConflict, fraction, d.ConsensusThreshold)
	}
	proposal, err := e.Repo.GetMessage(ctx, proposalID)
	if err != nil {
		return ConsensusResult{}, err
	}
	if proposal.Type != domain.MessageProposal {
		return ConsensusResult{}, fmt.Errorf("%w: message %s is not a proposal", domain.ErrConflict, proposalID)
	}
	synthesizer := actorID
	for id, role := range d.Roles {
		if role == domain.RoleSynthesizer {
			synthesizer = id
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConsensusResult{}, err
	}
	defer tx.Rollback()

	now := o.nowStr()
	if err := e.ResolveByConsensus(ctx, tx, d.TaskID, synthesizer, proposal.Content); err != nil {
		return ConsensusResult{}, err
	}
	d.Status = domain.DialogClosed
	d.UpdatedAt = now
	d.LastActivityAt = now
	if err := e.Repo.UpdateDialog(ctx, tx, d); err != nil {
		return ConsensusResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "dialog.consensus", "dialog", d.ID, actorID, events.EventPayload{
		"proposal_id": proposalID, "fraction": fraction,
	}); err != nil {
		return ConsensusResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConsensusResult{}, err
	}
	t, err := e.Repo.GetTask(ctx, d.TaskID)
	if err != nil {
		return ConsensusResult{}, err
	}
	return ConsensusResult{Dialog: d, ProposalID: proposalID, Fraction: fraction, Task: t}, nil
}

// ReplaceParticipant seats a replacement for a dropped agent, preserving the
// message history. The replacement comes from the same complementary pool.
func (o Orchestrator) ReplaceParticipant(ctx context.Context, dialogID, droppedID string) (string, error) {
	e := o.Engine
	d, err := e.Repo.GetDialog(ctx, dialogID)
	if err != nil {
		return "", err
	}
	if d.Status == domain.DialogClosed {
		return "", fmt.Errorf("%w: dialog %s is closed", domain.ErrConflict, dialogID)
	}
	if _, ok := d.Roles[droppedID]; !ok {
		return "", fmt.Errorf("%w: agent %s is not a participant", domain.ErrNotFound, droppedID)
	}
	t, err := e.Repo.GetTask(ctx, d.TaskID)
	if err != nil {
		return "", err
	}
	profiles, err := e.Repo.ListProfiles(ctx)
	if err != nil {
		return "", err
	}
	var pool []domain.AgentProfile
	for _, p := range profiles {
		if _, seated := d.Roles[p.AgentID]; seated || p.AgentID == droppedID {
			continue
		}
		pool = append(pool, p)
	}
	candidates := matching.Complementary(pool, t, 1)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no replacement agent available", domain.ErrNotFound)
	}
	replacement := candidates[0].AgentID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceParticipant(ctx, tx, dialogID, droppedID, replacement); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "dialog.participant.replaced", "dialog", dialogID, replacement, events.EventPayload{
		"dropped": droppedID,
	}); err != nil {
		return "", err
	}
	return replacement, tx.Commit()
}

// SweepStalls drives the timeout edges of the state machine: silence or
// unbounded critique stalls a dialog (reported to the task author as
// decomposition eligibility), and a dialog that outlives its task's
// expires_at closes with the task rejected. Nothing is left dangling.
func (o Orchestrator) SweepStalls(ctx context.Context) error {
	e := o.Engine
	open, err := e.Repo.ListOpenDialogs(ctx)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	for _, d := range open {
		t, err := e.Repo.GetTask(ctx, d.TaskID)
		if err != nil {
			return err
		}
		if expired(t.ExpiresAt, now) {
			if err := o.closeRejected(ctx, d, t); err != nil {
				return err
			}
			continue
		}
		if d.Status != domain.DialogActive {
			continue
		}
		lastActivity, err := time.Parse(time.RFC3339, d.LastActivityAt)
		if err != nil {
			lastActivity = now
		}
		silent := now.Sub(lastActivity) > e.Config.Dialog.StallTimeout
		diverged := d.CritiqueRounds > e.Config.Dialog.MaxCritiqueRounds
		if !silent && !diverged {
			continue
		}
		if err := o.markStalled(ctx, d, t, silent); err != nil {
			return err
		}
	}
	return nil
}

func (o Orchestrator) markStalled(ctx context.Context, d domain.Dialog, t domain.Task, silent bool) error {
	e := o.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := o.nowStr()
	d.Status = domain.DialogStalled
	d.UpdatedAt = now
	if err := e.Repo.UpdateDialog(ctx, tx, d); err != nil {
		return err
	}
	reason := "critique_divergence"
	if silent {
		reason = "inactivity"
	}
	// surfaced to the author as decomposition eligibility, not silent failure
	if err := e.Events.Append(ctx, tx, "dialog.stalled", "dialog", d.ID, t.AuthorID, events.EventPayload{
		"task_id": t.ID, "reason": reason, "decompose_eligible": true,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o Orchestrator) closeRejected(ctx context.Context, d domain.Dialog, t domain.Task) error {
	e := o.Engine
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := o.nowStr()
	d.Status = domain.DialogClosed
	d.UpdatedAt = now
	if err := e.Repo.UpdateDialog(ctx, tx, d); err != nil {
		return err
	}
	if t.Status == domain.TaskInProgress || t.Status == domain.TaskPublished {
		if err := e.RejectTask(ctx, tx, t.ID, t.AuthorID, "dialog expired without consensus"); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "dialog.closed", "dialog", d.ID, t.AuthorID, events.EventPayload{
		"outcome": "rejected",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func expired(expiresAt string, now time.Time) bool {
	if expiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false
	}
	return now.After(exp)
}

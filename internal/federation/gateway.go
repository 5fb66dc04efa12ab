package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/events"
	"taskmesh/internal/repo"
)

// PeerClient is the transport the gateway uses to reach one peer node. The
// Go SDK client satisfies it.
type PeerClient interface {
	PullTasks(ctx context.Context) (Envelope, error)
	PushTasks(ctx context.Context, env Envelope) error
	PushSolution(ctx context.Context, env Envelope) error
	Health(ctx context.Context) error
}

// Dialer builds a PeerClient for a registered peer. Injected so tests can
// wire two in-process nodes together.
type Dialer func(peer domain.FederatedAgent) PeerClient

// TaskShare is the payload of a task-exchange envelope.
type TaskShare struct {
	Tasks []domain.Task `json:"tasks"`
}

// SolutionShare flows a resolution back to the task's origin node.
type SolutionShare struct {
	TaskID     string `json:"task_id"`
	Content    string `json:"content"`
	SolverNode string `json:"solver_node"`
	ResolvedAt string `json:"resolved_at"`
}

// Gateway runs this node's side of the federation protocol. Each peer is
// serviced in isolation: one peer failing, timing out, or lying never blocks
// exchange with the others.
type Gateway struct {
	Engine  engine.Engine
	Keys    Keypair
	Dial    Dialer
	Log     *zap.Logger
	limiter *rate.Limiter
}

func NewGateway(e engine.Engine, keys Keypair, dial Dialer, log *zap.Logger) *Gateway {
	perMinute := e.Config.Federation.PushPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Gateway{
		Engine:  e,
		Keys:    keys,
		Dial:    dial,
		Log:     log,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (g *Gateway) nodeID() string { return g.Engine.Config.Node.ID }

func (g *Gateway) nowStr() string {
	return g.Engine.Now().UTC().Format(time.RFC3339)
}

// resolveKey maps a node id in an envelope chain to its public key. Only the
// local node and registered peers resolve; anything else fails verification.
func (g *Gateway) resolveKey(ctx context.Context) KeyResolver {
	peers, err := g.Engine.Repo.ListFederatedAgents(ctx)
	if err != nil {
		peers = nil
	}
	return func(nodeID string) (string, bool) {
		if nodeID == g.nodeID() {
			return g.Keys.PublicHex(), true
		}
		for _, p := range peers {
			if p.NodeID == nodeID {
				return p.PublicKey, true
			}
		}
		return "", false
	}
}

// RegisterPeer performs the receiving side of the handshake: it records the
// peer untrusted and pending, and mints the bearer token for its future
// calls. A re-handshake from a known node rotates its credential; earned
// trust stands.
func (g *Gateway) RegisterPeer(ctx context.Context, fa domain.FederatedAgent) (domain.FederatedAgent, string, error) {
	if fa.NodeID == "" || fa.PublicKey == "" {
		return domain.FederatedAgent{}, "", fmt.Errorf("%w: node_id and public_key are required", domain.ErrValidation)
	}
	if fa.NodeID == g.nodeID() {
		return domain.FederatedAgent{}, "", fmt.Errorf("%w: a node cannot federate with itself", domain.ErrValidation)
	}
	if fa.Mode != domain.ModePush && fa.Mode != domain.ModePull {
		return domain.FederatedAgent{}, "", fmt.Errorf("%w: mode must be push or pull", domain.ErrValidation)
	}
	if existing, err := g.Engine.Repo.GetFederatedAgentByNode(ctx, fa.NodeID); err == nil {
		return g.rotatePeer(ctx, existing, fa)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.FederatedAgent{}, "", err
	}
	token := uuid.New().String()
	fa.ID = uuid.New().String()
	fa.ConnectionStatus = domain.ConnPending
	fa.TrustLevel = TrustUntrusted.String()
	fa.Token = token
	fa.CreatedAt = g.nowStr()

	tx, err := g.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FederatedAgent{}, "", err
	}
	defer tx.Rollback()
	if err := g.Engine.Repo.InsertFederatedAgent(ctx, tx, fa); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	if err := g.Engine.Events.Append(ctx, tx, "federation.connected", "federated_agent", fa.ID, fa.NodeID, events.EventPayload{
		"node_id": fa.NodeID, "mode": fa.Mode,
	}); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	fa.Token = ""
	return fa, token, nil
}

func (g *Gateway) rotatePeer(ctx context.Context, existing, fa domain.FederatedAgent) (domain.FederatedAgent, string, error) {
	token := uuid.New().String()
	tx, err := g.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FederatedAgent{}, "", err
	}
	defer tx.Rollback()
	if err := g.Engine.Repo.RotateFederatedToken(ctx, tx, existing.ID, token, fa.PublicKey, fa.Mode); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	if err := g.Engine.Events.Append(ctx, tx, "federation.rehandshake", "federated_agent", existing.ID, fa.NodeID, nil); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.FederatedAgent{}, "", err
	}
	out, err := g.Engine.Repo.GetFederatedAgent(ctx, existing.ID)
	if err != nil {
		return domain.FederatedAgent{}, "", err
	}
	return out, token, nil
}

// AttachOutbound records the credential obtained by handshaking with a peer.
// If the peer already handshook inbound, the outbound fields land on its
// existing record; otherwise a fresh one is created, inbound-dark until the
// peer connects back.
func (g *Gateway) AttachOutbound(ctx context.Context, remote domain.FederatedAgent, peerURL, outboundToken string) (domain.FederatedAgent, error) {
	if existing, err := g.Engine.Repo.GetFederatedAgentByNode(ctx, remote.NodeID); err == nil {
		if err := g.Engine.Repo.SetFederatedOutbound(ctx, existing.ID, peerURL, outboundToken); err != nil {
			return domain.FederatedAgent{}, err
		}
		return g.Engine.Repo.GetFederatedAgent(ctx, existing.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.FederatedAgent{}, err
	}
	fa := domain.FederatedAgent{
		ID:                uuid.New().String(),
		NodeID:            remote.NodeID,
		PublicKey:         remote.PublicKey,
		ConnectionStatus:  domain.ConnPending,
		TrustLevel:        TrustUntrusted.String(),
		Mode:              remote.Mode,
		PeerURL:           peerURL,
		Categories:        remote.Categories,
		ComplexityCeiling: remote.ComplexityCeiling,
		CapabilitySummary: remote.CapabilitySummary,
		Token:             uuid.New().String(),
		OutboundToken:     outboundToken,
		CreatedAt:         g.nowStr(),
	}
	tx, err := g.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FederatedAgent{}, err
	}
	defer tx.Rollback()
	if err := g.Engine.Repo.InsertFederatedAgent(ctx, tx, fa); err != nil {
		return domain.FederatedAgent{}, err
	}
	if err := g.Engine.Events.Append(ctx, tx, "federation.outbound", "federated_agent", fa.ID, fa.NodeID, events.EventPayload{
		"peer_url": peerURL,
	}); err != nil {
		return domain.FederatedAgent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FederatedAgent{}, err
	}
	fa.Token = ""
	return fa, nil
}

// MarkReady flips a pending or degraded peer to ready.
func (g *Gateway) MarkReady(ctx context.Context, peerID string) (domain.FederatedAgent, error) {
	return g.setStatus(ctx, peerID, domain.ConnReady)
}

func (g *Gateway) setStatus(ctx context.Context, peerID, status string) (domain.FederatedAgent, error) {
	tx, err := g.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FederatedAgent{}, err
	}
	defer tx.Rollback()
	if err := g.Engine.Repo.UpdateFederatedStatus(ctx, tx, peerID, status); err != nil {
		return domain.FederatedAgent{}, err
	}
	if err := g.Engine.Events.Append(ctx, tx, "federation.status", "federated_agent", peerID, g.nodeID(), events.EventPayload{
		"status": status,
	}); err != nil {
		return domain.FederatedAgent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FederatedAgent{}, err
	}
	return g.Engine.Repo.GetFederatedAgent(ctx, peerID)
}

// Promote raises a peer's trust level. Demotion uses the same call; the
// levels are a ladder, not a ratchet.
func (g *Gateway) Promote(ctx context.Context, peerID, level string) error {
	if _, err := ParseTrustLevel(level); err != nil {
		return err
	}
	tx, err := g.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.Engine.Repo.UpdateTrustLevel(ctx, tx, peerID, level); err != nil {
		return err
	}
	if err := g.Engine.Events.Append(ctx, tx, "federation.trust", "federated_agent", peerID, g.nodeID(), events.EventPayload{
		"level": level,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Shareable filters published local tasks down to what one peer may see:
// public tasks only, within the peer's complexity ceiling and declared
// categories. Imported tasks are not re-exported here; relaying happens on
// the import path where the original chain is still in hand.
func (g *Gateway) Shareable(ctx context.Context, peer domain.FederatedAgent) ([]domain.Task, error) {
	if !CanShare(peer.TrustLevel, DataPublicTask) {
		return nil, nil
	}
	published, err := g.Engine.Repo.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range published {
		if t.OriginNode != "" {
			continue
		}
		if peer.ComplexityCeiling > 0 && t.Complexity > peer.ComplexityCeiling {
			continue
		}
		if len(peer.Categories) > 0 && !overlaps(t.Categories, peer.Categories) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ExportEnvelope seals the peer's shareable tasks into a fresh envelope.
func (g *Gateway) ExportEnvelope(ctx context.Context, peer domain.FederatedAgent) (Envelope, error) {
	tasks, err := g.Shareable(ctx, peer)
	if err != nil {
		return Envelope{}, err
	}
	return Seal(g.Keys, g.nodeID(), TaskShare{Tasks: tasks}, g.nowStr())
}

// ImportEnvelope verifies an inbound task envelope and imports its tasks as
// peer-authored publications with origin provenance. Tasks already known are
// skipped, so repeated exchange converges instead of duplicating. Returns how
// many tasks were imported.
func (g *Gateway) ImportEnvelope(ctx context.Context, env Envelope, from domain.FederatedAgent) (int, error) {
	var share TaskShare
	if err := Open(env, g.resolveKey(ctx), g.Engine.Config.Federation.MaxHops, &share); err != nil {
		return 0, err
	}
	origin := env.NodeChain[0]
	if origin == g.nodeID() {
		return 0, fmt.Errorf("%w: envelope originated here", domain.ErrForbidden)
	}
	imported := 0
	for _, t := range share.Tasks {
		ok, err := g.importTask(ctx, t, from, origin)
		if err != nil {
			return imported, err
		}
		if ok {
			imported++
		}
	}
	if imported > 0 {
		g.relay(ctx, env, from)
	}
	return imported, nil
}

func (g *Gateway) importTask(ctx context.Context, t domain.Task, from domain.FederatedAgent, origin string) (bool, error) {
	e := g.Engine
	if _, err := e.Repo.GetTask(ctx, t.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	now := g.nowStr()
	local := domain.Task{
		ID:         t.ID,
		AuthorID:   from.ID,
		Status:     domain.TaskPublished,
		Complexity: domain.ClampComplexity(t.Complexity),
		Categories: t.Categories,
		Context:    t.Context,
		OriginNode: origin,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  t.ExpiresAt,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, local); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "federation.task.imported", "task", local.ID, from.ID, events.EventPayload{
		"origin_node": origin,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// relay forwards a verified envelope one hop further, to ready push peers
// that are neither the sender nor already in the chain. Best effort: a
// failed relay is logged and dropped, never retried here.
func (g *Gateway) relay(ctx context.Context, env Envelope, from domain.FederatedAgent) {
	maxHops := g.Engine.Config.Federation.MaxHops
	if len(env.NodeChain) >= maxHops {
		return
	}
	forwarded, err := Forward(env, g.Keys, g.nodeID(), maxHops)
	if err != nil {
		return
	}
	peers, err := g.Engine.Repo.ListFederatedAgents(ctx)
	if err != nil {
		return
	}
	for _, p := range peers {
		if p.ID == from.ID || p.ConnectionStatus != domain.ConnReady || p.Mode != domain.ModePush {
			continue
		}
		if inChain(forwarded.NodeChain, p.NodeID) {
			continue
		}
		if err := g.pushWithLimit(ctx, p, forwarded); err != nil {
			g.Log.Warn("relay failed", zap.String("peer", p.NodeID), zap.Error(err))
		}
	}
}

func inChain(chain []string, nodeID string) bool {
	for _, hop := range chain {
		if hop == nodeID {
			return true
		}
	}
	return false
}

// ApplySolution verifies a flowed-back solution and resolves the local task
// it answers. Only tasks this node itself published accept remote solutions.
func (g *Gateway) ApplySolution(ctx context.Context, env Envelope, from domain.FederatedAgent) error {
	if !CanShare(from.TrustLevel, DataSolution) {
		return fmt.Errorf("%w: peer %s may not submit solutions", domain.ErrForbidden, from.NodeID)
	}
	var share SolutionShare
	if err := Open(env, g.resolveKey(ctx), g.Engine.Config.Federation.MaxHops, &share); err != nil {
		return err
	}
	e := g.Engine
	t, err := e.Repo.GetTask(ctx, share.TaskID)
	if err != nil {
		return err
	}
	if t.OriginNode != "" {
		return fmt.Errorf("%w: task %s did not originate here", domain.ErrForbidden, share.TaskID)
	}
	if t.Status == domain.TaskResolved {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.ResolveByConsensus(ctx, tx, t.ID, from.ID, share.Content); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "federation.solution.applied", "task", t.ID, from.ID, events.EventPayload{
		"solver_node": share.SolverNode,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncPeer runs one exchange round with a peer: pull its tasks (pull mode),
// push ours (push mode), and flow back solutions for tasks it originated.
// Any failure degrades the peer; the next successful round restores it.
func (g *Gateway) SyncPeer(ctx context.Context, peer domain.FederatedAgent) error {
	if peer.ConnectionStatus != domain.ConnReady && peer.ConnectionStatus != domain.ConnDegraded {
		return nil
	}
	client := g.Dial(peer)
	rctx, cancel := context.WithTimeout(ctx, g.Engine.Config.Federation.RequestTimeout)
	defer cancel()

	watermark, err := g.exchange(rctx, peer, client)
	if err != nil {
		if peer.ConnectionStatus != domain.ConnDegraded {
			if _, serr := g.setStatus(ctx, peer.ID, domain.ConnDegraded); serr != nil {
				return serr
			}
		}
		g.Log.Warn("peer sync failed", zap.String("peer", peer.NodeID), zap.Error(err))
		return err
	}
	if peer.ConnectionStatus == domain.ConnDegraded {
		if _, err := g.setStatus(ctx, peer.ID, domain.ConnReady); err != nil {
			return err
		}
	}
	if watermark == "" {
		return nil
	}
	// the watermark trails the pushed data, never the wall clock: a task
	// resolved while this round ran is picked up by the next one
	return g.Engine.Repo.TouchFederatedSync(ctx, peer.ID, watermark)
}

func (g *Gateway) exchange(ctx context.Context, peer domain.FederatedAgent, client PeerClient) (string, error) {
	if peer.Mode == domain.ModePull {
		env, err := client.PullTasks(ctx)
		if err != nil {
			return "", err
		}
		n, err := g.ImportEnvelope(ctx, env, peer)
		if err != nil {
			return "", err
		}
		if n > 0 {
			g.Log.Info("imported federated tasks", zap.String("peer", peer.NodeID), zap.Int("count", n))
		}
	}
	if peer.Mode == domain.ModePush {
		env, err := g.ExportEnvelope(ctx, peer)
		if err != nil {
			return "", err
		}
		if err := g.pushWithLimit(ctx, peer, env); err != nil {
			return "", err
		}
	}
	return g.flowbackSolutions(ctx, peer, client)
}

func (g *Gateway) pushWithLimit(ctx context.Context, peer domain.FederatedAgent, env Envelope) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: push rate wait: %v", domain.ErrTimeout, err)
	}
	return g.Dial(peer).PushTasks(ctx, env)
}

// flowbackSolutions pushes solutions for tasks the peer originated. It
// returns the newest resolved_at actually pushed, the peer's next watermark.
func (g *Gateway) flowbackSolutions(ctx context.Context, peer domain.FederatedAgent, client PeerClient) (string, error) {
	since := ""
	if peer.LastSyncAt != nil {
		since = *peer.LastSyncAt
	}
	resolved, err := g.Engine.Repo.ResolvedForOrigin(ctx, peer.NodeID, since)
	if err != nil {
		return "", err
	}
	watermark := ""
	for _, t := range resolved {
		if t.Solution == nil {
			continue
		}
		share := SolutionShare{
			TaskID:     t.ID,
			Content:    *t.Solution,
			SolverNode: g.nodeID(),
			ResolvedAt: derefOr(t.ResolvedAt, ""),
		}
		env, err := Seal(g.Keys, g.nodeID(), share, g.nowStr())
		if err != nil {
			return watermark, err
		}
		if err := client.PushSolution(ctx, env); err != nil {
			return watermark, err
		}
		if share.ResolvedAt > watermark {
			watermark = share.ResolvedAt
		}
		g.Log.Info("solution flowed back", zap.String("peer", peer.NodeID), zap.String("task", t.ID))
	}
	return watermark, nil
}

// Run polls all peers on the configured interval until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.Engine.Config.Federation.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.SyncAll(ctx)
		}
	}
}

// SyncAll runs one round against every peer. Per-peer errors are already
// logged and reflected in connection status; the round itself never aborts.
func (g *Gateway) SyncAll(ctx context.Context) {
	peers, err := g.Engine.Repo.ListFederatedAgents(ctx)
	if err != nil {
		g.Log.Error("listing peers", zap.Error(err))
		return
	}
	for _, p := range peers {
		_ = g.SyncPeer(ctx, p)
	}
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

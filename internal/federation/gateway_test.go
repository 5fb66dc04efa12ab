package federation_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskmesh/internal/config"
	"taskmesh/internal/db"
	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/federation"
	"taskmesh/internal/migrate"
)

// node is one in-process taskmesh instance. Tests wire several together
// through memDialer instead of HTTP.
type node struct {
	ID      string
	Engine  engine.Engine
	Gateway *federation.Gateway
}

type cluster struct {
	mu    sync.Mutex
	clock time.Time
	nodes map[string]*node
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		nodes: map[string]*node{},
	}
}

func (c *cluster) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

func (c *cluster) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = c.clock.Add(d)
}

func (c *cluster) addNode(t *testing.T, id string) *node {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	eng := engine.New(conn, config.Default(id))
	eng.Now = c.now
	n := &node{ID: id, Engine: eng}
	n.Gateway = federation.NewGateway(eng, federation.Keypair{Public: pub, Private: priv}, c.dialer(id), zap.NewNop())
	c.nodes[id] = n
	return n
}

// memClient routes peer calls straight into the remote gateway, resolving the
// caller's peer record on the remote side the way the HTTP layer would from
// its federation token.
type memClient struct {
	cluster    *cluster
	remoteNode string
	callerNode string
}

func (m memClient) remotePeer(ctx context.Context) (*node, domain.FederatedAgent, error) {
	remote := m.cluster.nodes[m.remoteNode]
	rec, err := remote.Engine.Repo.GetFederatedAgentByNode(ctx, m.callerNode)
	return remote, rec, err
}

func (m memClient) PullTasks(ctx context.Context) (federation.Envelope, error) {
	remote, rec, err := m.remotePeer(ctx)
	if err != nil {
		return federation.Envelope{}, err
	}
	return remote.Gateway.ExportEnvelope(ctx, rec)
}

func (m memClient) PushTasks(ctx context.Context, env federation.Envelope) error {
	remote, rec, err := m.remotePeer(ctx)
	if err != nil {
		return err
	}
	_, err = remote.Gateway.ImportEnvelope(ctx, env, rec)
	return err
}

func (m memClient) PushSolution(ctx context.Context, env federation.Envelope) error {
	remote, rec, err := m.remotePeer(ctx)
	if err != nil {
		return err
	}
	return remote.Gateway.ApplySolution(ctx, env, rec)
}

func (m memClient) Health(ctx context.Context) error { return nil }

func (c *cluster) dialer(callerNode string) federation.Dialer {
	return func(peer domain.FederatedAgent) federation.PeerClient {
		return memClient{cluster: c, remoteNode: peer.NodeID, callerNode: callerNode}
	}
}

// federate runs the symmetric handshake: each side registers the other and
// marks it ready. mode is stored on a's record of b, i.e. how a exchanges
// with b.
func federate(t *testing.T, a, b *node, mode string) (onA, onB domain.FederatedAgent) {
	t.Helper()
	ctx := context.Background()
	recB, _, err := a.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID:    b.ID,
		PublicKey: b.Gateway.Keys.PublicHex(),
		Mode:      mode,
		PeerURL:   "mem://" + b.ID,
	})
	require.NoError(t, err)
	recA, _, err := b.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID:    a.ID,
		PublicKey: a.Gateway.Keys.PublicHex(),
		Mode:      mode,
		PeerURL:   "mem://" + a.ID,
	})
	require.NoError(t, err)
	onA, err = a.Gateway.MarkReady(ctx, recB.ID)
	require.NoError(t, err)
	onB, err = b.Gateway.MarkReady(ctx, recA.ID)
	require.NoError(t, err)
	return onA, onB
}

func publishLocal(t *testing.T, n *node, cx int, text string, categories ...string) domain.Task {
	t.Helper()
	res, err := n.Engine.PublishTask(context.Background(), engine.TaskPublishOptions{
		AuthorID:   "author@" + n.ID,
		Complexity: cx,
		Categories: categories,
		Context:    text,
	})
	require.NoError(t, err)
	return res.Task
}

func TestRegisterPeerHandshake(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	rec, token, err := a.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID:    b.ID,
		PublicKey: b.Gateway.Keys.PublicHex(),
		Mode:      domain.ModePull,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Empty(t, rec.Token, "the stored record must not echo the clear token")
	require.Equal(t, domain.ConnPending, rec.ConnectionStatus)
	require.Equal(t, "untrusted", rec.TrustLevel)

	// the minted token authenticates the peer's future calls
	byToken, err := a.Engine.Repo.GetFederatedAgentByToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, rec.ID, byToken.ID)

	// self-federation is refused
	_, _, err = a.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID:    a.ID,
		PublicKey: a.Gateway.Keys.PublicHex(),
		Mode:      domain.ModePull,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRehandshakeRotatesTokenKeepsTrust(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	rec, token1, err := a.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID: b.ID, PublicKey: b.Gateway.Keys.PublicHex(), Mode: domain.ModePull,
	})
	require.NoError(t, err)
	require.NoError(t, a.Gateway.Promote(ctx, rec.ID, "trusted"))

	rec2, token2, err := a.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID: b.ID, PublicKey: b.Gateway.Keys.PublicHex(), Mode: domain.ModePull,
	})
	require.NoError(t, err)
	require.Equal(t, rec.ID, rec2.ID, "re-handshake must reuse the record")
	require.NotEqual(t, token1, token2)
	require.Equal(t, "trusted", rec2.TrustLevel, "earned trust survives a re-handshake")

	_, err = a.Engine.Repo.GetFederatedAgentByToken(ctx, token1)
	require.Error(t, err, "the old token must stop working")
	byToken, err := a.Engine.Repo.GetFederatedAgentByToken(ctx, token2)
	require.NoError(t, err)
	require.Equal(t, rec.ID, byToken.ID)
}

func TestShareableRespectsTrustAndProfile(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	ctx := context.Background()

	publishLocal(t, a, 2, "write the release notes", "docs")
	publishLocal(t, a, 8, "rework the storage engine", "backend")

	peer := domain.FederatedAgent{
		NodeID:            "node-b",
		TrustLevel:        "untrusted",
		ComplexityCeiling: 5,
		Categories:        []string{"docs"},
	}
	tasks, err := a.Gateway.Shareable(ctx, peer)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, []string{"docs"}, tasks[0].Categories)

	// no declared profile shares everything published and local
	open := domain.FederatedAgent{NodeID: "node-b", TrustLevel: "untrusted"}
	tasks, err = a.Gateway.Shareable(ctx, open)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	// an unparseable trust level shares nothing
	tasks, err = a.Gateway.Shareable(ctx, domain.FederatedAgent{NodeID: "node-b", TrustLevel: "ultra"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestSyncImportsAndFlowsBack(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	// a pulls from b: b's tasks travel to a, solutions flow back to b
	onA, onB := federate(t, a, b, domain.ModePull)
	task := publishLocal(t, b, 3, "classify the support backlog", "ml")

	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))

	imported, err := a.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPublished, imported.Status)
	require.Equal(t, b.ID, imported.OriginNode)
	require.Equal(t, onA.ID, imported.AuthorID, "imported tasks are authored by the peer record")

	// repeated sync converges: nothing duplicates
	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))
	again, err := a.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, imported.CreatedAt, again.CreatedAt)

	// solve on a, then let the next round flow the solution back to b
	c.advance(time.Minute)
	_, err = a.Engine.ClaimTask(ctx, task.ID, "solver@node-a")
	require.NoError(t, err)
	_, err = a.Engine.SubmitSolution(ctx, task.ID, "solver@node-a", "three buckets, rules attached", nil)
	require.NoError(t, err)

	// b must trust a enough to accept solutions
	require.NoError(t, b.Gateway.Promote(ctx, onB.ID, "observed"))

	c.advance(time.Minute)
	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))

	origin, err := b.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskResolved, origin.Status)
	require.NotNil(t, origin.Solution)
	require.Equal(t, "three buckets, rules attached", *origin.Solution)
}

func TestSolutionRequiresObservedTrust(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	onA, _ := federate(t, a, b, domain.ModePull)
	task := publishLocal(t, b, 3, "catalog the dataset", "ml")
	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))

	c.advance(time.Minute)
	_, err := a.Engine.ClaimTask(ctx, task.ID, "solver@node-a")
	require.NoError(t, err)
	_, err = a.Engine.SubmitSolution(ctx, task.ID, "solver@node-a", "done", nil)
	require.NoError(t, err)

	// b still holds a at untrusted: the flow-back is refused and the sync
	// round fails, degrading the peer on a's side
	c.advance(time.Minute)
	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	err = a.Gateway.SyncPeer(ctx, onA)
	require.Error(t, err)

	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ConnDegraded, onA.ConnectionStatus)

	origin, err := b.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPublished, origin.Status)
}

func TestFlowBackSameInstantAsSync(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	onA, onB := federate(t, a, b, domain.ModePull)
	require.NoError(t, b.Gateway.Promote(ctx, onB.ID, "observed"))
	task := publishLocal(t, b, 3, "index the archive", "ml")

	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))

	// resolved at the very instant the round finished: the clock does not move
	_, err := a.Engine.ClaimTask(ctx, task.ID, "solver@node-a")
	require.NoError(t, err)
	_, err = a.Engine.SubmitSolution(ctx, task.ID, "solver@node-a", "inverted index, rebuilt nightly", nil)
	require.NoError(t, err)

	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))

	origin, err := b.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskResolved, origin.Status)
	require.NotNil(t, origin.Solution)
	require.Equal(t, "inverted index, rebuilt nightly", *origin.Solution)

	// the boundary solution re-sends on the next round and no-ops at the origin
	onA, err = a.Engine.Repo.GetFederatedAgent(ctx, onA.ID)
	require.NoError(t, err)
	require.NoError(t, a.Gateway.SyncPeer(ctx, onA))
	again, err := b.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskResolved, again.Status)
}

func TestImportRejectsOwnOrigin(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	ctx := context.Background()

	onA, onB := federate(t, a, b, domain.ModePush)
	task := publishLocal(t, a, 3, "audit the dependency tree", "backend")

	env, err := a.Gateway.ExportEnvelope(ctx, onA)
	require.NoError(t, err)
	n, err := b.Gateway.ImportEnvelope(ctx, env, onB)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// b exporting a's own task back: the import side refuses imported tasks
	// in exports, and a refuses envelopes that originated locally
	echo, err := federation.Seal(b.Gateway.Keys, b.ID, federation.TaskShare{Tasks: []domain.Task{task}}, "2025-06-01T12:00:00Z")
	require.NoError(t, err)
	_, err = a.Gateway.ImportEnvelope(ctx, echo, onA)
	require.NoError(t, err) // verified fine, but the task id already exists locally

	shared, err := b.Gateway.Shareable(ctx, onB)
	require.NoError(t, err)
	require.Empty(t, shared, "imported tasks are never re-exported as local")

	// an envelope whose chain starts at the receiver is always refused
	own, err := federation.Seal(a.Gateway.Keys, a.ID, federation.TaskShare{Tasks: nil}, "2025-06-01T12:00:00Z")
	require.NoError(t, err)
	_, err = a.Gateway.ImportEnvelope(ctx, own, onA)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestRelayForwardsOneHop(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(t, "node-a")
	b := c.addNode(t, "node-b")
	d := c.addNode(t, "node-d")
	ctx := context.Background()

	// a -> b and b -> d are push links; b must relay a's envelope onward
	_, aOnB := federate(t, a, b, domain.ModePush)
	dOnB, bOnD := federate(t, b, d, domain.ModePush)

	// d needs a's key to verify the relayed chain
	_, _, err := d.Gateway.RegisterPeer(ctx, domain.FederatedAgent{
		NodeID: a.ID, PublicKey: a.Gateway.Keys.PublicHex(), Mode: domain.ModePush,
	})
	require.NoError(t, err)

	task := publishLocal(t, a, 3, "mirror the package index", "infra")
	env, err := a.Gateway.ExportEnvelope(ctx, domain.FederatedAgent{NodeID: b.ID, TrustLevel: "untrusted"})
	require.NoError(t, err)

	n, err := b.Gateway.ImportEnvelope(ctx, env, aOnB)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the relay reached d with the chain extended through b
	relayed, err := d.Engine.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, relayed.OriginNode, "origin provenance survives the relay")
	require.Equal(t, bOnD.ID, relayed.AuthorID, "the direct sender authors the import")
	_ = dOnB
}

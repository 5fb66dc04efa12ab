package federation_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskmesh/internal/domain"
	"taskmesh/internal/federation"
)

const testTS = "2025-06-01T12:00:00Z"

func newKeypair(t *testing.T) federation.Keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return federation.Keypair{Public: pub, Private: priv}
}

type payload struct {
	Value string `json:"value"`
}

func resolver(keys map[string]federation.Keypair) federation.KeyResolver {
	return func(nodeID string) (string, bool) {
		kp, ok := keys[nodeID]
		if !ok {
			return "", false
		}
		return kp.PublicHex(), true
	}
}

func TestSealVerifyRoundtrip(t *testing.T) {
	kp := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "hello"}, testTS)
	require.NoError(t, err)
	require.Equal(t, []string{"node-a"}, env.NodeChain)
	require.Len(t, env.Signatures, 1)

	var got payload
	err = federation.Open(env, resolver(map[string]federation.Keypair{"node-a": kp}), 4, &got)
	require.NoError(t, err)
	require.Equal(t, "hello", got.Value)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "hello"}, testTS)
	require.NoError(t, err)
	env.Payload = []byte(`{"value":"forged"}`)

	err = federation.Verify(env, resolver(map[string]federation.Keypair{"node-a": kp}), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsTamperedTimestamp(t *testing.T) {
	kp := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "hello"}, testTS)
	require.NoError(t, err)
	env.Timestamp = "2025-06-02T12:00:00Z"

	err = federation.Verify(env, resolver(map[string]federation.Keypair{"node-a": kp}), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsUnknownNode(t *testing.T) {
	kp := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "hello"}, testTS)
	require.NoError(t, err)

	err = federation.Verify(env, resolver(map[string]federation.Keypair{}), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp := newKeypair(t)
	impostor := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "hello"}, testTS)
	require.NoError(t, err)

	err = federation.Verify(env, resolver(map[string]federation.Keypair{"node-a": impostor}), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestForwardExtendsChain(t *testing.T) {
	keys := map[string]federation.Keypair{
		"node-a": newKeypair(t),
		"node-b": newKeypair(t),
		"node-c": newKeypair(t),
	}
	env, err := federation.Seal(keys["node-a"], "node-a", payload{Value: "relayed"}, testTS)
	require.NoError(t, err)
	env, err = federation.Forward(env, keys["node-b"], "node-b", 4)
	require.NoError(t, err)
	env, err = federation.Forward(env, keys["node-c"], "node-c", 4)
	require.NoError(t, err)

	require.Equal(t, []string{"node-a", "node-b", "node-c"}, env.NodeChain)
	require.Len(t, env.Signatures, 3)

	var got payload
	require.NoError(t, federation.Open(env, resolver(keys), 4, &got))
	require.Equal(t, "relayed", got.Value)
}

func TestForwardEnforcesHopLimit(t *testing.T) {
	keys := map[string]federation.Keypair{
		"node-a": newKeypair(t),
		"node-b": newKeypair(t),
		"node-c": newKeypair(t),
	}
	env, err := federation.Seal(keys["node-a"], "node-a", payload{Value: "x"}, testTS)
	require.NoError(t, err)
	env, err = federation.Forward(env, keys["node-b"], "node-b", 2)
	require.NoError(t, err)

	_, err = federation.Forward(env, keys["node-c"], "node-c", 2)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestForwardRejectsCycle(t *testing.T) {
	keys := map[string]federation.Keypair{
		"node-a": newKeypair(t),
		"node-b": newKeypair(t),
	}
	env, err := federation.Seal(keys["node-a"], "node-a", payload{Value: "x"}, testTS)
	require.NoError(t, err)
	env, err = federation.Forward(env, keys["node-b"], "node-b", 4)
	require.NoError(t, err)

	_, err = federation.Forward(env, keys["node-a"], "node-a", 4)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestVerifyRejectsMidChainTamper(t *testing.T) {
	keys := map[string]federation.Keypair{
		"node-a": newKeypair(t),
		"node-b": newKeypair(t),
	}
	env, err := federation.Seal(keys["node-a"], "node-a", payload{Value: "x"}, testTS)
	require.NoError(t, err)
	env, err = federation.Forward(env, keys["node-b"], "node-b", 4)
	require.NoError(t, err)

	// swap the origin signature for garbage of the right shape
	forged := make([]byte, ed25519.SignatureSize)
	env.Signatures[0] = hex.EncodeToString(forged)
	err = federation.Verify(env, resolver(keys), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestVerifyRejectsChainSignatureMismatch(t *testing.T) {
	kp := newKeypair(t)
	env, err := federation.Seal(kp, "node-a", payload{Value: "x"}, testTS)
	require.NoError(t, err)
	env.NodeChain = append(env.NodeChain, "node-b")

	err = federation.Verify(env, resolver(map[string]federation.Keypair{"node-a": kp}), 4)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestLoadOrGenerateKeypair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	first, err := federation.LoadOrGenerateKeypair(path)
	require.NoError(t, err)

	// the seed file is private to the node
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := federation.LoadOrGenerateKeypair(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicHex(), second.PublicHex())

	require.NoError(t, os.WriteFile(path, []byte("not-a-seed"), 0o600))
	_, err = federation.LoadOrGenerateKeypair(path)
	require.Error(t, err)
	require.False(t, errors.Is(err, os.ErrNotExist))
}

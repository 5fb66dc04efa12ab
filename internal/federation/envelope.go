package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskmesh/internal/domain"
)

// Envelope wraps every federated payload. NodeChain records the forwarding
// path oldest-first; Signatures[i] is node_chain[i]'s ed25519 signature over
// the canonical message at that hop, so any receiver can audit the full path.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	NodeChain []string        `json:"node_chain"`
	Signatures []string       `json:"signatures"`
	Timestamp string          `json:"timestamp" format:"date-time"`
}

// Keypair is a node identity. The private key never leaves the node; the
// public half is exchanged during the federation handshake.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func (k Keypair) PublicHex() string { return hex.EncodeToString(k.Public) }

// LoadOrGenerateKeypair reads the ed25519 seed at path, generating and
// persisting one on first run. The file holds the hex seed only.
func LoadOrGenerateKeypair(path string) (Keypair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return Keypair{}, fmt.Errorf("node key %s: malformed seed", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return Keypair{}, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Keypair{}, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return Keypair{}, err
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// canonicalMessage is what hop i signs: the payload bytes, the chain up to
// and including hop i, and the envelope timestamp. Re-marshaling the payload
// is deliberately avoided so byte-identical verification holds across nodes.
func canonicalMessage(payload json.RawMessage, chain []string, ts string) []byte {
	var b strings.Builder
	b.Write(payload)
	b.WriteByte('\n')
	b.WriteString(strings.Join(chain, ","))
	b.WriteByte('\n')
	b.WriteString(ts)
	return []byte(b.String())
}

// Seal creates a fresh single-hop envelope signed by the origin node.
func Seal(kp Keypair, nodeID string, payload any, ts string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Payload: raw, NodeChain: []string{nodeID}, Timestamp: ts}
	sig := ed25519.Sign(kp.Private, canonicalMessage(env.Payload, env.NodeChain, ts))
	env.Signatures = []string{hex.EncodeToString(sig)}
	return env, nil
}

// Forward appends this node as the next hop, enforcing the hop ceiling and
// rejecting cycles. The prior hops' signatures are carried untouched.
func Forward(env Envelope, kp Keypair, nodeID string, maxHops int) (Envelope, error) {
	if len(env.NodeChain) >= maxHops {
		return Envelope{}, fmt.Errorf("%w: hop limit %d reached", domain.ErrForbidden, maxHops)
	}
	for _, hop := range env.NodeChain {
		if hop == nodeID {
			return Envelope{}, fmt.Errorf("%w: forwarding cycle through %s", domain.ErrForbidden, nodeID)
		}
	}
	out := Envelope{
		Payload:    env.Payload,
		NodeChain:  append(append([]string{}, env.NodeChain...), nodeID),
		Signatures: append([]string{}, env.Signatures...),
		Timestamp:  env.Timestamp,
	}
	sig := ed25519.Sign(kp.Private, canonicalMessage(out.Payload, out.NodeChain, out.Timestamp))
	out.Signatures = append(out.Signatures, hex.EncodeToString(sig))
	return out, nil
}

// KeyResolver returns the hex-encoded ed25519 public key for a node id.
type KeyResolver func(nodeID string) (string, bool)

// Verify checks every hop signature against the resolver's keys. An
// unresolvable node, a malformed key, or any bad signature fails the whole
// envelope; partial trust in a chain is not a thing.
func Verify(env Envelope, resolve KeyResolver, maxHops int) error {
	if len(env.NodeChain) == 0 || len(env.NodeChain) != len(env.Signatures) {
		return fmt.Errorf("%w: chain/signature length mismatch", domain.ErrSignatureInvalid)
	}
	if len(env.NodeChain) > maxHops {
		return fmt.Errorf("%w: chain exceeds hop limit %d", domain.ErrForbidden, maxHops)
	}
	seen := map[string]bool{}
	for i, nodeID := range env.NodeChain {
		if seen[nodeID] {
			return fmt.Errorf("%w: node %s appears twice in chain", domain.ErrSignatureInvalid, nodeID)
		}
		seen[nodeID] = true
		keyHex, ok := resolve(nodeID)
		if !ok {
			return fmt.Errorf("%w: no key for node %s", domain.ErrSignatureInvalid, nodeID)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: malformed key for node %s", domain.ErrSignatureInvalid, nodeID)
		}
		sig, err := hex.DecodeString(env.Signatures[i])
		if err != nil {
			return fmt.Errorf("%w: malformed signature at hop %d", domain.ErrSignatureInvalid, i)
		}
		msg := canonicalMessage(env.Payload, env.NodeChain[:i+1], env.Timestamp)
		if !ed25519.Verify(ed25519.PublicKey(key), msg, sig) {
			return fmt.Errorf("%w: hop %d (%s)", domain.ErrSignatureInvalid, i, nodeID)
		}
	}
	return nil
}

// Open verifies the envelope and unmarshals its payload.
func Open(env Envelope, resolve KeyResolver, maxHops int, out any) error {
	if err := Verify(env, resolve, maxHops); err != nil {
		return err
	}
	return json.Unmarshal(env.Payload, out)
}

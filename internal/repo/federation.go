package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"taskmesh/internal/domain"
)

const federatedColumns = `id,node_id,public_key,connection_status,trust_level,mode,peer_url,categories_json,complexity_ceiling,capability_summary,outbound_token,last_sync_at,created_at`

// HashToken returns the stored form of a federation token. Tokens are
// presented on every peer call and never persisted in the clear.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func scanFederated(scan func(dest ...any) error) (domain.FederatedAgent, error) {
	var fa domain.FederatedAgent
	var peerURL, categories, capability, outbound, lastSync sql.NullString
	err := scan(&fa.ID, &fa.NodeID, &fa.PublicKey, &fa.ConnectionStatus, &fa.TrustLevel, &fa.Mode,
		&peerURL, &categories, &fa.ComplexityCeiling, &capability, &outbound, &lastSync, &fa.CreatedAt)
	if err == sql.ErrNoRows {
		return fa, ErrNotFound
	}
	if err != nil {
		return fa, err
	}
	if peerURL.Valid {
		fa.PeerURL = peerURL.String
	}
	if categories.Valid {
		fa.Categories = unmarshalStrings(categories.String)
	}
	if capability.Valid {
		fa.CapabilitySummary = capability.String
	}
	if outbound.Valid {
		fa.OutboundToken = outbound.String
	}
	if lastSync.Valid {
		fa.LastSyncAt = &lastSync.String
	}
	return fa, nil
}

func (r Repo) InsertFederatedAgent(ctx context.Context, tx *sql.Tx, fa domain.FederatedAgent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO federated_agents(id,node_id,public_key,connection_status,trust_level,mode,peer_url,categories_json,complexity_ceiling,capability_summary,token_hash,outbound_token,last_sync_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		fa.ID, fa.NodeID, fa.PublicKey, fa.ConnectionStatus, fa.TrustLevel, fa.Mode,
		nullable(fa.PeerURL), marshalStrings(fa.Categories), fa.ComplexityCeiling,
		nullable(fa.CapabilitySummary), HashToken(fa.Token), nullable(fa.OutboundToken),
		nullableStringPtr(fa.LastSyncAt), fa.CreatedAt)
	return err
}

func (r Repo) GetFederatedAgent(ctx context.Context, id string) (domain.FederatedAgent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+federatedColumns+` FROM federated_agents WHERE id=?`, id)
	return scanFederated(row.Scan)
}

// GetFederatedAgentByToken authenticates a peer call by token hash.
func (r Repo) GetFederatedAgentByToken(ctx context.Context, token string) (domain.FederatedAgent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+federatedColumns+` FROM federated_agents WHERE token_hash=?`, HashToken(token))
	return scanFederated(row.Scan)
}

func (r Repo) ListFederatedAgents(ctx context.Context) ([]domain.FederatedAgent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+federatedColumns+` FROM federated_agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FederatedAgent
	for rows.Next() {
		fa, err := scanFederated(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fa)
	}
	return res, rows.Err()
}

// GetFederatedAgentByNode finds the peer record for a remote node id.
func (r Repo) GetFederatedAgentByNode(ctx context.Context, nodeID string) (domain.FederatedAgent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+federatedColumns+` FROM federated_agents WHERE node_id=?`, nodeID)
	return scanFederated(row.Scan)
}

// RotateFederatedToken replaces the inbound credential after a re-handshake.
// Earned trust survives; only the key material and mode refresh.
func (r Repo) RotateFederatedToken(ctx context.Context, tx *sql.Tx, id, token, publicKey, mode string) error {
	res, err := tx.ExecContext(ctx, `UPDATE federated_agents SET token_hash=?, public_key=?, mode=?, connection_status=? WHERE id=?`,
		HashToken(token), publicKey, mode, domain.ConnPending, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFederatedOutbound stores the credential and URL this node uses to call
// the peer.
func (r Repo) SetFederatedOutbound(ctx context.Context, id, peerURL, outboundToken string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE federated_agents SET peer_url=?, outbound_token=? WHERE id=?`,
		peerURL, outboundToken, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateFederatedStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE federated_agents SET connection_status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTrustLevel records an explicit re-certification decision.
func (r Repo) UpdateTrustLevel(ctx context.Context, tx *sql.Tx, id, level string) error {
	res, err := tx.ExecContext(ctx, `UPDATE federated_agents SET trust_level=? WHERE id=?`, level, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchFederatedSync(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE federated_agents SET last_sync_at=? WHERE id=?`, ts, id)
	return err
}

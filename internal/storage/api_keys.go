package storage

import (
	"context"
	"fmt"

	"github.com/openvouch/openvouch/internal/model"
)

// GetActiveAPIKeysByAgentID returns all non-revoked, non-expired keys for an
// agent. Callers verify the presented key against each hash; returning the
// full set (rather than a single row) keeps rotation windows working, where
// an old and a new key are briefly both valid.
func (db *DB) GetActiveAPIKeysByAgentID(ctx context.Context, agentID string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, agent_id, label, created_at, expires_at, revoked_at
		 FROM api_keys
		 WHERE agent_id = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(
			&k.ID, &k.Prefix, &k.KeyHash, &k.AgentID, &k.Label,
			&k.CreatedAt, &k.ExpiresAt, &k.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openvouch/openvouch/internal/model"
)

const agentColumns = `id, agent_id, name, role, status, external_handle,
	external_account_linked, karma, trust_score, vouch_count, capabilities,
	created_at, updated_at, last_seen`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Name, &a.Role, &a.Status, &a.ExternalHandle,
		&a.ExternalAccountLinked, &a.Karma, &a.TrustScore, &a.VouchCount,
		&a.Capabilities, &a.CreatedAt, &a.UpdatedAt, &a.LastSeen,
	)
	return a, err
}

// CreateAgentAndKey inserts a new agent and mints its initial API key
// atomically within a single transaction. Returns ErrDuplicateAgent when the
// agent_id is already taken.
func (db *DB) CreateAgentAndKey(ctx context.Context, agent model.Agent, key model.APIKey) (model.Agent, model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, model.APIKey{}, fmt.Errorf("storage: begin create agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, role, status, external_handle,
		                     external_account_linked, karma, trust_score, vouch_count,
		                     capabilities, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		agent.ID, agent.AgentID, agent.Name, string(agent.Role), string(agent.Status),
		agent.ExternalHandle, agent.ExternalAccountLinked, agent.Karma,
		agent.TrustScore, agent.VouchCount, agent.Capabilities,
		agent.CreatedAt, agent.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, model.APIKey{}, fmt.Errorf("storage: agent %s: %w", agent.AgentID, ErrDuplicateAgent)
		}
		return model.Agent{}, model.APIKey{}, fmt.Errorf("storage: create agent: %w", err)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, agent_id, label, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Prefix, key.KeyHash, key.AgentID, key.Label, key.CreatedAt, key.ExpiresAt,
	); err != nil {
		return model.Agent{}, model.APIKey{}, fmt.Errorf("storage: create api key in agent tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, model.APIKey{}, fmt.Errorf("storage: commit create agent tx: %w", err)
	}
	return agent, key, nil
}

// GetAgent retrieves an agent by agent_id.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of registered agents.
func (db *DB) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// SetVerification records the outcome of an external verification and
// refreshes the agent's trust score in the same transaction. The rescore
// callback receives the updated agent row and its current qualifying vouch
// count and returns the new score to persist. The row is locked for the
// duration so concurrent score writers serialize.
func (db *DB) SetVerification(
	ctx context.Context,
	agentID, externalHandle string,
	karma int64,
	rescore func(agent model.Agent, qualifying int) int,
) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin verification tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET external_handle = $1,
		     external_account_linked = true,
		     karma = $2,
		     status = 'active',
		     updated_at = now()
		 WHERE agent_id = $3
		 RETURNING `+agentColumns,
		externalHandle, karma, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: set verification: %w", err)
	}

	qualifying, err := qualifyingVouchCountTx(ctx, tx, agentID)
	if err != nil {
		return model.Agent{}, err
	}

	a.TrustScore = rescore(a, qualifying)
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET trust_score = $1 WHERE agent_id = $2`,
		a.TrustScore, agentID,
	); err != nil {
		return model.Agent{}, fmt.Errorf("storage: persist score in verification tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit verification tx: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus sets an agent's status. Scores are untouched: a
// suspended agent keeps its last computed score.
func (db *DB) UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET status = $1, updated_at = now()
		 WHERE agent_id = $2
		 RETURNING `+agentColumns,
		string(status), agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent status: %w", err)
	}
	return a, nil
}

// TouchLastSeen updates the last_seen timestamp for an agent to now().
// Called from the auth path on successful authentication; best-effort.
func (db *DB) TouchLastSeen(ctx context.Context, agentID string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_seen = now() WHERE agent_id = $1`, agentID,
	); err != nil {
		return fmt.Errorf("storage: touch last_seen: %w", err)
	}
	return nil
}

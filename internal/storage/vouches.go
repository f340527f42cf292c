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

// AddVouch inserts the (from, to) edge, bumps the recipient's denormalized
// vouch counter, and refreshes the recipient's trust score — all in one
// transaction. The rescore callback receives the recipient row and the
// qualifying vouch count as of after the insert and returns the new score.
//
// The recipient row is locked first, so two concurrent vouches at the same
// recipient serialize and each recomputes against a vouch set that includes
// every previously committed edge. Duplicate edges surface as
// ErrDuplicateVouch via the unique index; exactly one of two racing inserts
// for the same pair succeeds.
func (db *DB) AddVouch(
	ctx context.Context,
	fromAgent, toAgent string,
	rescore func(recipient model.Agent, qualifying int) int,
) (model.Vouch, model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: begin vouch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	recipient, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 FOR UPDATE`, toAgent,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: agent %s: %w", toAgent, ErrNotFound)
		}
		return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: lock recipient: %w", err)
	}

	v := model.Vouch{
		ID:        uuid.New(),
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vouches (id, from_agent, to_agent, created_at)
		 VALUES ($1, $2, $3, $4)`,
		v.ID, v.FromAgent, v.ToAgent, v.CreatedAt,
	); err != nil {
		switch {
		case isUniqueViolation(err):
			return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: vouch %s -> %s: %w", fromAgent, toAgent, ErrDuplicateVouch)
		case isCheckViolation(err):
			return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: vouch %s -> %s: %w", fromAgent, toAgent, ErrSelfVouch)
		default:
			return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: insert vouch: %w", err)
		}
	}

	if err := tx.QueryRow(ctx,
		`UPDATE agents SET vouch_count = vouch_count + 1, updated_at = now()
		 WHERE agent_id = $1
		 RETURNING vouch_count`,
		toAgent,
	).Scan(&recipient.VouchCount); err != nil {
		return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: bump vouch counter: %w", err)
	}

	qualifying, err := qualifyingVouchCountTx(ctx, tx, toAgent)
	if err != nil {
		return model.Vouch{}, model.Agent{}, err
	}

	recipient.TrustScore = rescore(recipient, qualifying)
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET trust_score = $1 WHERE agent_id = $2`,
		recipient.TrustScore, toAgent,
	); err != nil {
		return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: persist score in vouch tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Vouch{}, model.Agent{}, fmt.Errorf("storage: commit vouch tx: %w", err)
	}
	return v, recipient, nil
}

// IncomingVouches returns all edges pointing at toAgent, newest first.
func (db *DB) IncomingVouches(ctx context.Context, toAgent string) ([]model.Vouch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, from_agent, to_agent, created_at
		 FROM vouches WHERE to_agent = $1 ORDER BY created_at DESC`,
		toAgent,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: incoming vouches: %w", err)
	}
	defer rows.Close()

	var vouches []model.Vouch
	for rows.Next() {
		var v model.Vouch
		if err := rows.Scan(&v.ID, &v.FromAgent, &v.ToAgent, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan vouch: %w", err)
		}
		vouches = append(vouches, v)
	}
	return vouches, rows.Err()
}

// QualifyingVouchCount counts incoming edges whose voucher is currently
// externally verified. Evaluated against the voucher's present verification
// state, not the state at vouch-creation time: an agent who verifies later
// retroactively makes their past vouches count.
func (db *DB) QualifyingVouchCount(ctx context.Context, toAgent string) (int, error) {
	return qualifyingVouchCount(ctx, db.pool, toAgent)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func qualifyingVouchCountTx(ctx context.Context, tx pgx.Tx, toAgent string) (int, error) {
	return qualifyingVouchCount(ctx, tx, toAgent)
}

func qualifyingVouchCount(ctx context.Context, q querier, toAgent string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM vouches v
		 JOIN agents voucher ON voucher.agent_id = v.from_agent
		 WHERE v.to_agent = $1 AND voucher.external_account_linked`,
		toAgent,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: qualifying vouch count: %w", err)
	}
	return count, nil
}

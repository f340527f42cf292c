// Package vouch coordinates the vouch operation: precondition checks, the
// edge insert, and the recompute-after-write of the recipient's trust score.
package vouch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/trust"
)

// Taxonomy errors surfaced to the HTTP boundary unchanged. None of these is
// retryable: the same arguments will fail the same way.
var (
	// ErrVoucherUnverified: the voucher does not exist or is not externally
	// verified. The two cases are deliberately indistinguishable.
	ErrVoucherUnverified = errors.New("vouch: voucher is not externally verified")

	// ErrSelfVouch: an agent attempted to vouch for itself.
	ErrSelfVouch = errors.New("vouch: self-vouch not allowed")

	// ErrAlreadyVouched: an edge for this (from, to) pair already exists.
	ErrAlreadyVouched = errors.New("vouch: already vouched for this agent")
)

// Service implements the vouch state machine over the storage layer.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a vouch service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Vouch records a one-time endorsement from fromAgent to toAgent and returns
// the created edge with the recipient's freshly recomputed score.
//
// Outcomes: ErrVoucherUnverified (voucher missing or unverified),
// storage.ErrNotFound (recipient missing), ErrSelfVouch, ErrAlreadyVouched,
// or success. The insert, counter bump, and score write share one
// transaction, so the recomputed score always includes the new edge.
func (s *Service) Vouch(ctx context.Context, fromAgent, toAgent string) (model.Vouch, trust.Score, error) {
	voucher, err := s.db.GetAgent(ctx, fromAgent)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Vouch{}, trust.Score{}, ErrVoucherUnverified
		}
		return model.Vouch{}, trust.Score{}, fmt.Errorf("vouch: load voucher: %w", err)
	}
	if !voucher.ExternalAccountLinked {
		return model.Vouch{}, trust.Score{}, ErrVoucherUnverified
	}

	if fromAgent == toAgent {
		return model.Vouch{}, trust.Score{}, ErrSelfVouch
	}

	var score trust.Score
	now := time.Now().UTC()
	v, recipient, err := s.db.AddVouch(ctx, fromAgent, toAgent,
		func(recipient model.Agent, qualifying int) int {
			score = trust.ScoreAtWithQualifying(recipient, qualifying, now)
			return score.Total
		},
	)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateVouch):
			return model.Vouch{}, trust.Score{}, ErrAlreadyVouched
		case errors.Is(err, storage.ErrSelfVouch):
			return model.Vouch{}, trust.Score{}, ErrSelfVouch
		default:
			return model.Vouch{}, trust.Score{}, err
		}
	}

	s.logger.Info("vouch recorded",
		"from", fromAgent, "to", toAgent,
		"trust_score", recipient.TrustScore, "vouch_count", recipient.VouchCount)
	return v, score, nil
}

// LiveScore recomputes an agent's score from current state without writing
// anything. The age factor moves with the wall clock, so this can differ
// from the stored score between vouch/verification events.
func (s *Service) LiveScore(ctx context.Context, agentID string) (model.Agent, trust.Score, int, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.Agent{}, trust.Score{}, 0, err
	}
	qualifying, err := s.db.QualifyingVouchCount(ctx, agentID)
	if err != nil {
		return model.Agent{}, trust.Score{}, 0, err
	}
	score := trust.ScoreAtWithQualifying(agent, qualifying, time.Now().UTC())
	return agent, score, qualifying, nil
}

// Incoming returns all vouch edges pointing at agentID. The agent must exist.
func (s *Service) Incoming(ctx context.Context, agentID string) ([]model.Vouch, error) {
	if _, err := s.db.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.db.IncomingVouches(ctx, agentID)
}

// Package identity provisions agents and runs external account verification.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openvouch/openvouch/internal/auth"
	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/trust"
	"github.com/openvouch/openvouch/internal/verify"
)

// ErrProviderUnavailable wraps a failed call to the external reputation
// provider. The verification attempt failed; agent state is unchanged.
var ErrProviderUnavailable = errors.New("identity: verification provider unavailable")

// Service handles agent registration and verification.
type Service struct {
	db       *storage.DB
	provider verify.Provider
	logger   *slog.Logger
}

// New creates an identity service.
func New(db *storage.DB, provider verify.Provider, logger *slog.Logger) *Service {
	return &Service{db: db, provider: provider, logger: logger}
}

// Register creates a new pending agent with a freshly minted API key and an
// initial trust score. The raw key is returned exactly once; only its
// Argon2id hash is stored. Returns storage.ErrDuplicateAgent when the
// agent_id is taken.
func (s *Service) Register(ctx context.Context, agentID, name string, capabilities []string) (model.Agent, string, error) {
	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("identity: generate api key: %w", err)
	}
	keyHash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("identity: hash api key: %w", err)
	}

	agent := model.Agent{
		AgentID:      agentID,
		Name:         name,
		Role:         model.RoleAgent,
		Status:       model.StatusPending,
		Capabilities: capabilities,
	}
	// A new agent has no verification, karma, age, or vouches; the scorer
	// still runs so trust_score is derived from day one, never authored.
	agent.TrustScore = trust.Compute(agent, nil).Total

	key := model.APIKey{
		Prefix:  prefix,
		KeyHash: keyHash,
		AgentID: agentID,
		Label:   "initial",
	}

	agent, _, err = s.db.CreateAgentAndKey(ctx, agent, key)
	if err != nil {
		return model.Agent{}, "", err
	}

	s.logger.Info("agent registered", "agent_id", agent.AgentID)
	return agent, rawKey, nil
}

// VerifyExternal runs one verification attempt for agentID against the
// external handle. On a verified result the agent is activated, its karma
// recorded, and its trust score recomputed in the same transaction. An
// unverified result (or provider failure) leaves the agent untouched.
func (s *Service) VerifyExternal(ctx context.Context, agentID, handle string) (bool, model.Agent, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return false, model.Agent{}, err
	}

	result, err := s.provider.Lookup(ctx, handle)
	if err != nil {
		s.logger.Warn("verification lookup failed", "agent_id", agentID, "handle", handle, "error", err)
		return false, model.Agent{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if !result.Verified {
		s.logger.Info("verification declined", "agent_id", agentID, "handle", handle)
		return false, agent, nil
	}

	now := time.Now().UTC()
	agent, err = s.db.SetVerification(ctx, agentID, handle, result.Karma,
		func(updated model.Agent, qualifying int) int {
			return trust.ScoreAtWithQualifying(updated, qualifying, now).Total
		},
	)
	if err != nil {
		return false, model.Agent{}, err
	}

	s.logger.Info("agent verified",
		"agent_id", agentID, "handle", handle,
		"karma", result.Karma, "trust_score", agent.TrustScore)
	return true, agent, nil
}

// Authenticate verifies an agent_id + API key pair and returns the agent.
// Timing is equalized with DummyVerify when no hashes were checked, so a
// failed login does not reveal whether the agent exists.
func (s *Service) Authenticate(ctx context.Context, agentID, apiKey string) (model.Agent, bool) {
	keys, err := s.db.GetActiveAPIKeysByAgentID(ctx, agentID)
	if err != nil || len(keys) == 0 {
		auth.DummyVerify()
		return model.Agent{}, false
	}

	for _, k := range keys {
		valid, verr := auth.VerifyAPIKey(apiKey, k.KeyHash)
		if verr != nil || !valid {
			continue
		}
		agent, err := s.db.GetAgent(ctx, agentID)
		if err != nil {
			return model.Agent{}, false
		}
		if err := s.db.TouchLastSeen(ctx, agentID); err != nil {
			s.logger.Debug("touch last_seen failed", "agent_id", agentID, "error", err)
		}
		return agent, true
	}
	return model.Agent{}, false
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/openvouch/openvouch/internal/auth"
	"github.com/openvouch/openvouch/internal/identity"
	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/vouch"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	identitySvc         *identity.Service
	vouchSvc            *vouch.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	IdentitySvc         *identity.Service
	VouchSvc            *vouch.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		identitySvc:         d.IdentitySvc,
		vouchSvc:            d.VouchSvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleRegister handles POST /auth/register.
// Creates a pending agent and returns the one-time raw API key.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateCapabilities(req.Capabilities); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, rawKey, err := h.identitySvc.Register(r.Context(), req.AgentID, req.Name, req.Capabilities)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateAgent) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent_id already exists")
			return
		}
		h.writeInternalError(w, r, "failed to register agent", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.RegisterResponse{
		Agent:  agent,
		RawKey: rawKey,
	})
}

// HandleAuthToken handles POST /auth/token.
// Exchanges an agent_id + API key pair for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	agent, ok := h.identitySvc.Authenticate(r.Context(), req.AgentID, req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to load agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListAgents handles GET /v1/agents (admin-only).
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	offset := queryOffset(r)

	agents, err := h.db.ListAgents(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	total, err := h.db.CountAgents(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count agents", err)
		return
	}

	writeListJSON(w, r, agents, total, limit, offset)
}

// HandleScore handles GET /v1/agents/{agent_id}/score.
// Recomputes the score live from current state; nothing is written, so the
// age factor can be ahead of the stored trust_score between write events.
func (h *Handlers) HandleScore(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	agent, score, qualifying, err := h.vouchSvc.LiveScore(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to compute score", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ScoreResponse{
		AgentID:           agent.AgentID,
		TrustScore:        score.Total,
		Factors:           score.Factors.Map(),
		QualifyingVouches: qualifying,
		VouchCount:        agent.VouchCount,
		ComputedAt:        time.Now().UTC(),
	})
}

// HandleVerify handles POST /v1/agents/{agent_id}/verify.
// Agents may only verify themselves; admins may verify anyone.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	if claims.AgentID != agentID && !model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot verify another agent")
		return
	}

	var req model.VerifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ExternalHandle == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "external_handle is required")
		return
	}

	verified, agent, err := h.identitySvc.VerifyExternal(r.Context(), agentID, req.ExternalHandle)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		case errors.Is(err, identity.ErrProviderUnavailable):
			writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "verification provider unavailable")
		default:
			h.writeInternalError(w, r, "failed to verify agent", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.VerifyResponse{
		Verified: verified,
		Agent:    agent,
	})
}

// HandleVouch handles POST /v1/vouches.
// The voucher is always the authenticated caller, never a body field.
func (h *Handlers) HandleVouch(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	var req model.VouchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.ToAgent); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	v, score, err := h.vouchSvc.Vouch(r.Context(), claims.AgentID, req.ToAgent)
	if err != nil {
		switch {
		case errors.Is(err, vouch.ErrVoucherUnverified):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "voucher is not externally verified")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "recipient agent not found")
		case errors.Is(err, vouch.ErrSelfVouch):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot vouch for yourself")
		case errors.Is(err, vouch.ErrAlreadyVouched):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already vouched for this agent")
		default:
			h.writeInternalError(w, r, "failed to record vouch", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.VouchResponse{
		Vouch:      v,
		TrustScore: score.Total,
		Factors:    score.Factors.Map(),
	})
}

// HandleIncomingVouches handles GET /v1/agents/{agent_id}/vouches.
func (h *Handlers) HandleIncomingVouches(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	vouches, err := h.vouchSvc.Incoming(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to list vouches", err)
		return
	}
	if vouches == nil {
		vouches = []model.Vouch{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"vouches":  vouches,
		"total":    len(vouches),
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"version":        h.version,
		"postgres":       pgStatus,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin creates the initial admin agent if it does not exist yet.
// Skipped when no admin API key is configured and agents already exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAgentID, adminAPIKey string) error {
	if adminAPIKey == "" {
		total, err := h.db.CountAgents(ctx)
		if err != nil {
			return fmt.Errorf("seed admin: count agents: %w", err)
		}
		if total == 0 {
			return fmt.Errorf("seed admin: VOUCHD_ADMIN_API_KEY is empty and no agents exist; set it to bootstrap initial admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_agents", total)
		return nil
	}

	if _, err := h.db.GetAgent(ctx, adminAgentID); err == nil {
		h.logger.Info("admin agent already exists, skipping seed", "agent_id", adminAgentID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: check existing: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	prefix, err := model.ParseRawKey(adminAPIKey)
	if err != nil {
		// Operator-supplied keys need not follow the generated format.
		prefix = "ov_seed"
	}

	_, _, err = h.db.CreateAgentAndKey(ctx, model.Agent{
		AgentID: adminAgentID,
		Name:    "System Admin",
		Role:    model.RoleAdmin,
		Status:  model.StatusActive,
	}, model.APIKey{
		Prefix:  prefix,
		AgentID: adminAgentID,
		KeyHash: hash,
		Label:   "seed",
	})
	if err != nil {
		return fmt.Errorf("seed admin: create agent: %w", err)
	}

	h.logger.Info("seeded initial admin agent", "agent_id", adminAgentID)
	return nil
}

// writeInternalError logs the error with its request ID and returns an
// opaque 500 to the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// writeListJSON writes a paginated list response with the standard envelope.
func writeListJSON(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	n := 0
	if agents, ok := data.([]model.Agent); ok {
		n = len(agents)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   total,
		HasMore: offset+n < total,
		Limit:   limit,
		Offset:  offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 || limit > 1000 {
		return defaultVal
	}
	return limit
}

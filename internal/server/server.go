package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openvouch/openvouch/internal/auth"
	"github.com/openvouch/openvouch/internal/identity"
	"github.com/openvouch/openvouch/internal/model"
	"github.com/openvouch/openvouch/internal/ratelimit"
	"github.com/openvouch/openvouch/internal/storage"
	"github.com/openvouch/openvouch/internal/vouch"
)

// Server is the openvouch HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional (nil-safe): AuthLimiter, APILimiter.
type ServerConfig struct {
	// Required dependencies.
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	IdentitySvc *identity.Service
	VouchSvc    *vouch.Service
	Logger      *slog.Logger

	// Optional rate limiters (nil = disabled).
	AuthLimiter ratelimit.Limiter
	APILimiter  ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		IdentitySvc:         cfg.IdentitySvc,
		VouchSvc:            cfg.VouchSvc,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Unauthenticated endpoints are limited by IP, authenticated ones by
	// agent ID with admins exempt.
	authRL := ratelimit.Middleware(cfg.AuthLimiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)
	apiRL := ratelimit.Middleware(cfg.APILimiter, "api", agentKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/register", authRL(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent listing (admin-only, no rate limit — admin is exempt).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("GET /v1/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))

	// Read endpoints (reader+, rate limited).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/agents/{agent_id}", apiRL(readRole(http.HandlerFunc(h.HandleGetAgent))))
	mux.Handle("GET /v1/agents/{agent_id}/score", apiRL(readRole(http.HandlerFunc(h.HandleScore))))
	mux.Handle("GET /v1/agents/{agent_id}/vouches", apiRL(readRole(http.HandlerFunc(h.HandleIncomingVouches))))

	// Write endpoints (agent+, rate limited).
	writeRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/agents/{agent_id}/verify", apiRL(writeRole(http.HandlerFunc(h.HandleVerify))))
	mux.Handle("POST /v1/vouches", apiRL(writeRole(http.HandlerFunc(h.HandleVouch))))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Landing page (no auth). Registered with the bare pattern so only the
	// exact root path matches GET/HEAD; unknown paths get the JSON 404.
	mux.Handle("/", http.HandlerFunc(handleLanding))

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// agentKeyFunc extracts the agent ID from the request context for rate limiting.
// Returns empty string for admin roles (exempt from rate limits).
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.AgentID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

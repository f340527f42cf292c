package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
)

// RegisterRequest is the request body for POST /auth/register.
type RegisterRequest struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse is the response for POST /auth/register. RawKey is the
// only time the API key is visible in plaintext.
type RegisterResponse struct {
	Agent  Agent  `json:"agent"`
	RawKey string `json:"raw_key"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyRequest is the request body for POST /v1/agents/{agent_id}/verify.
type VerifyRequest struct {
	ExternalHandle string `json:"external_handle"`
}

// VerifyResponse is the response for POST /v1/agents/{agent_id}/verify.
type VerifyResponse struct {
	Verified bool  `json:"verified"`
	Agent    Agent `json:"agent"`
}

// VouchRequest is the request body for POST /v1/vouches.
type VouchRequest struct {
	ToAgent string `json:"to_agent"`
}

// VouchResponse is the response for a successful vouch: the recipient's
// freshly recomputed score.
type VouchResponse struct {
	Vouch      Vouch          `json:"vouch"`
	TrustScore int            `json:"trust_score"`
	Factors    map[string]int `json:"factors"`
}

// ScoreResponse is the response for GET /v1/agents/{agent_id}/score.
type ScoreResponse struct {
	AgentID           string         `json:"agent_id"`
	TrustScore        int            `json:"trust_score"`
	Factors           map[string]int `json:"factors"`
	QualifyingVouches int            `json:"qualifying_vouches"`
	VouchCount        int            `json:"vouch_count"`
	ComputedAt        time.Time      `json:"computed_at"`
}

// Package verify talks to the external reputation provider that confirms
// control of a social account and reports its karma.
//
// The provider is treated as an opaque read-only collaborator: one lookup per
// verification attempt, no retry or backoff. A failed lookup fails that
// attempt only; it never mutates agent state.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Result is the provider's answer for one external handle.
type Result struct {
	Verified bool  `json:"verified"`
	Karma    int64 `json:"karma"`
}

// Provider looks up the verification state and karma of an external handle.
type Provider interface {
	Lookup(ctx context.Context, handle string) (Result, error)
}

// HTTPProvider queries a reputation provider over HTTP.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider that calls GET {baseURL}/accounts/{handle}.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Lookup fetches the verification record for handle.
// A 404 from the provider means the account does not exist; that is an
// unverified result, not an error.
func (p *HTTPProvider) Lookup(ctx context.Context, handle string) (Result, error) {
	endpoint := p.baseURL + "/accounts/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("verify: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("verify: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("verify: status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("verify: decode response: %w", err)
	}
	if result.Karma < 0 {
		result.Karma = 0
	}
	return result, nil
}

// StaticProvider serves canned results from memory. Used in development and
// tests when no real provider is reachable; unknown handles are unverified.
type StaticProvider struct {
	Accounts map[string]Result
}

// Lookup returns the canned result for handle.
func (p *StaticProvider) Lookup(_ context.Context, handle string) (Result, error) {
	return p.Accounts[handle], nil
}

package verify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvouch/openvouch/internal/verify"
)

func TestHTTPProvider_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/alice":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"verified":true,"karma":1500}`))
		case "/accounts/mallory":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"verified":false,"karma":0}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := verify.NewHTTPProvider(srv.URL)

	res, err := p.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, int64(1500), res.Karma)

	res, err = p.Lookup(context.Background(), "mallory")
	require.NoError(t, err)
	assert.False(t, res.Verified)

	// Unknown account is unverified, not an error.
	res, err = p.Lookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Zero(t, res.Karma)
}

func TestHTTPProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := verify.NewHTTPProvider(srv.URL).Lookup(context.Background(), "alice")
	assert.Error(t, err)
}

func TestHTTPProvider_NegativeKarmaClamped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"verified":true,"karma":-50}`))
	}))
	defer srv.Close()

	res, err := verify.NewHTTPProvider(srv.URL).Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, res.Karma, "negative provider karma must degrade to zero")
}

func TestStaticProvider(t *testing.T) {
	p := &verify.StaticProvider{Accounts: map[string]verify.Result{
		"alice": {Verified: true, Karma: 300},
	}}

	res, err := p.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Verified)

	res, err = p.Lookup(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

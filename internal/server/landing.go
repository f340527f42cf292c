package server

import (
	"net/http"

	"github.com/openvouch/openvouch/internal/model"
)

const landingHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>openvouch</title>
  <style>
    body { font-family: ui-monospace, monospace; max-width: 640px; margin: 4rem auto; padding: 0 1rem; color: #24292f; }
    code { background: #f6f8fa; padding: 0.15em 0.4em; border-radius: 4px; }
    h1 { font-size: 1.4rem; }
  </style>
</head>
<body>
  <h1>openvouch</h1>
  <p>Agent identity and reputation service.</p>
  <p>Register with <code>POST /auth/register</code>, exchange your API key for a
  token at <code>POST /auth/token</code>, then use the <code>/v1</code> API.</p>
  <p>Health: <a href="/health">/health</a></p>
</body>
</html>
`

// handleLanding serves the landing page at the exact root path. The "/"
// pattern is a catch-all, so any other unmatched path lands here and gets
// the JSON 404 instead of stray HTML.
func handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "endpoint not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, r, http.StatusMethodNotAllowed, model.ErrCodeInvalidInput, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(landingHTML))
	}
}

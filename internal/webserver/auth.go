package webserver

import (
	"net/http"

	"github.com/zsprackett/agent-mascot/internal/ingest"
)

// requestToken returns the bearer token from the Authorization header,
// falling back to the ?token= query parameter for clients such as
// EventSource that cannot set headers.
func requestToken(r *http.Request) string {
	if tok := ingest.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

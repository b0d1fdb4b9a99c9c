package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken pulls the bearer token from a request. It checks, in
// order: Authorization: Bearer <token>, X-Auth-Token header, and the
// auth_token query parameter (WebSocket clients cannot always set
// headers).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("auth_token")
}

// tokenMatches compares in constant time to prevent timing attacks.
func tokenMatches(r *http.Request, want string) bool {
	got := ExtractToken(r)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

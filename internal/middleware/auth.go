// Package middleware guards the bus endpoints: an optional shared token and
// an optional list of allowed source networks.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken rejects requests that do not present token, either as a
// bearer Authorization header or as the token query parameter. Browsers
// cannot set headers on WebSocket upgrades, hence the query form. An empty
// token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(presentedToken(r), token) {
				log.Warn().
					Str("component", "middleware").
					Str("source_ip", logutil.SanitizeForLog(sshaudit.ExtractSourceIP(r))).
					Str("path", logutil.SanitizeForLog(r.URL.Path)).
					Msg("Rejected request without a valid token")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

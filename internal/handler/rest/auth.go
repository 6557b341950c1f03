package rest

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"pixrelay/internal/domain"
)

const relayTokenHeader = "X-Relay-Token"

func relayToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(relayTokenHeader)); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequireRelayToken rejects requests without the shared secret before anything else runs.
func RequireRelayToken(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(relayToken(r), token) {
				log.Warn().
					Err(domain.ErrUnauthorized).
					Str("remote", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("rejected request with invalid relay token")
				writeError(w, http.StatusUnauthorized, "invalid_relay_token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

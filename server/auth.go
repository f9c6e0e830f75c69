package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// publicPaths are served without a token so health checks and scrapers keep working.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware requires a bearer token on every route outside publicPaths.
// It is a no-op when no AuthToken is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		switch {
		case !ok:
			s.deny(w, r, "")
		case subtle.ConstantTimeCompare([]byte(token), want) != 1:
			s.deny(w, r, "invalid_token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// bearerToken extracts the credentials of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, reason string) {
	challenge := `Bearer realm="config-server"`
	if reason != "" {
		challenge += `, error="` + reason + `"`
	}
	s.logger.Debug("request denied", "path", r.URL.Path, "reason", reason)

	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

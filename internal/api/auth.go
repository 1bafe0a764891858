package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminIssuer = "kiln"

// IssueAdminToken signs an HS256 token accepted by the /_internal routes.
// A zero ttl yields a token without expiry.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    adminIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// verifyAdminToken checks the signature, issuer and time claims of raw.
func verifyAdminToken(secret, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse admin token: %w", err)
	}
	return claims, nil
}

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on EventSource or WebSocket requests, so the "token"
// query parameter is accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireAdmin rejects requests without a valid admin token. It is a no-op
// when no admin secret is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	secret := s.opts.AdminSecret
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kiln"`)
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := verifyAdminToken(secret, raw)
		if err != nil {
			s.logger.Warn("rejected admin token", "error", err, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="kiln", error="invalid_token"`)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.logger.Debug("admin request", "subject", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

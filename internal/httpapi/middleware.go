package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// SubjectContextKey carries the authenticated token subject.
const SubjectContextKey contextKey = "auth_subject"

// AuthMiddleware validates HS256 bearer tokens. When disabled it
// passes every request through with a dev subject, so local setups
// need no token plumbing.
type AuthMiddleware struct {
	secret  []byte
	enabled bool
	logger  *zap.Logger
}

func NewAuthMiddleware(secret string, enabled bool, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret), enabled: enabled, logger: logger}
}

// Wrap protects a handler. /health and /metrics stay open.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			ctx := context.WithValue(r.Context(), SubjectContextKey, "dev")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		raw := ""
		if h := r.Header.Get("Authorization"); h != "" {
			var err error
			if raw, err = extractBearerToken(h); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
		} else if strings.HasPrefix(r.URL.Path, "/stream/") {
			// Browser EventSource cannot send custom headers.
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		subject, err := m.validate(raw)
		if err != nil {
			m.logger.Debug("Rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validate(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid claims")
	}
	return claims.Subject, nil
}

func extractBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return strings.TrimSpace(parts[1]), nil
}

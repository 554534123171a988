package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeRead grants access to every /api/v1 endpoint.
const ScopeRead = "read"

// Principal is the validated identity behind an API token.
type Principal struct {
	Subject string
	Scopes  map[string]struct{}
	Expires time.Time
}

// HasScope reports whether the token grants scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Scopes[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

type claims struct {
	// Scope is space separated.
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

type ctxKey string

const ctxPrincipalKey ctxKey = "auth_principal"

// ParsePublicKey decodes a base64-encoded Ed25519 public key.
func ParsePublicKey(v string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ValidateToken verifies an EdDSA-signed API token. Tokens need a subject
// and an expiry.
func ValidateToken(token string, pub ed25519.PublicKey, now time.Time) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("missing token")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid token public key")
	}
	c := claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &c, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return pub, nil
	},
		jwt.WithLeeway(2*time.Minute),
		jwt.WithTimeFunc(func() time.Time { return now.UTC() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	scopes := map[string]struct{}{}
	for _, sc := range strings.Fields(c.Scope) {
		scopes[strings.ToLower(sc)] = struct{}{}
	}
	return &Principal{
		Subject: strings.TrimSpace(c.Subject),
		Scopes:  scopes,
		Expires: c.ExpiresAt.Time.UTC(),
	}, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthPublicKey == nil {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		p, err := ValidateToken(raw, s.config.AuthPublicKey, s.now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "UNAUTHORIZED")
			return
		}
		if !p.HasScope(ScopeRead) {
			writeError(w, http.StatusForbidden, "token lacks the read scope", "FORBIDDEN")
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ctxPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

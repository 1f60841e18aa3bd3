package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a caller's permission level (SPEC_FULL.md §4.K), mirroring the
// admin surface's own three-tier role model.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// rank orders roles so At can do a single integer comparison.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleEditor:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

// Atleast reports whether r grants at least the permissions of min.
func (r Role) Atleast(min Role) bool { return r.rank() >= min.rank() && r.rank() >= 0 }

// roleClaims is the JWT payload an admin-issued bearer token carries.
type roleClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type ctxKeyRole struct{}

func roleFromContext(ctx context.Context) Role {
	if r, ok := ctx.Value(ctxKeyRole{}).(Role); ok {
		return r
	}
	return ""
}

// AuthConfig controls how requests are authenticated.
type AuthConfig struct {
	// APIKey, when set, is checked against X-API-Key or a Bearer token in
	// Authorization; a match grants RoleAdmin.
	APIKey string

	// JWTSecret, when set, additionally accepts HS256 bearer tokens signed
	// with this secret, carrying a "role" claim.
	JWTSecret string
}

func (c AuthConfig) enabled() bool { return c.APIKey != "" || c.JWTSecret != "" }

// authMiddleware enforces SPEC_FULL.md §4.K's auth layer: a static API key
// (full admin access) or an optional golang-jwt/jwt/v5 bearer token
// carrying a role claim. When neither is configured, every request is
// treated as RoleAdmin (local/dev mode).
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRole{}, RoleAdmin)))
				return
			}

			token := bearerToken(r)
			if cfg.APIKey != "" {
				if key := r.Header.Get("X-API-Key"); key != "" && key == cfg.APIKey {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRole{}, RoleAdmin)))
					return
				}
				if token != "" && token == cfg.APIKey {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRole{}, RoleAdmin)))
					return
				}
			}

			if cfg.JWTSecret != "" && token != "" {
				claims := &roleClaims{}
				parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return []byte(cfg.JWTSecret), nil
				})
				if err == nil && parsed.Valid && claims.Role.rank() >= 0 {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRole{}, claims.Role)))
					return
				}
			}

			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}

// requireRole wraps a handler so it 403s unless the authenticated caller's
// role is at least min.
func requireRole(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !roleFromContext(r.Context()).Atleast(min) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
			return
		}
		next(w, r)
	}
}

// issueJWT signs a role-bearing bearer token; used by cmd/'s token-issuing
// admin command.
func issueJWT(secret string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := roleClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

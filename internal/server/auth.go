package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"fieldline/internal/engine/gate"
	"fieldline/internal/repo"
)

const engineeringRole = "engineering"

type AuthConfig struct {
	JWTSecret        string
	Gate             gate.Gate
	AllowActorHeader bool
	Logger           *log.Logger
}

type Principal struct {
	ActorID   string
	Roles     []string
	SessionID string
	Source    string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return "anonymous"
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:   claims.Subject,
		Roles:     claims.Roles,
		SessionID: claims.ID,
		Source:    "jwt",
	}, nil
}

// SignEngineeringToken mints the HS256 session token handed out by the
// engineering login. The jti is the gate session id so the token can be
// revoked server-side. The CLI login mints the same token locally.
func SignEngineeringToken(secret, actorID, sessionID string, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			ID:       sessionID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: []string{engineeringRole},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyToken parses and validates a bearer token, returning its principal.
func VerifyToken(token, secret string) (Principal, error) {
	return authenticateJWT(token, secret)
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EngineeringRole is the role claim minted by the engineering login.
const EngineeringRole = engineeringRole

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller's principal. Field operations stay
// open: a missing Authorization header yields an anonymous principal, with
// X-Actor-Id attribution when enabled. A bearer token must be valid and its
// gate session unrevoked, otherwise the request is refused.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				if principal.SessionID != "" {
					session, err := r.GetGateSession(req.Context(), principal.SessionID)
					if err != nil || session.RevokedAt != "" {
						respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "session revoked", nil))
						return
					}
				}
				ctx := withPrincipal(req.Context(), principal)
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			principal := Principal{Source: "anonymous"}
			if actorHeader != "" && cfg.AllowActorHeader {
				principal = Principal{ActorID: actorHeader, Source: "actor_header"}
			}
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// requireEngineering checks the engineering role and stamps the capability
// onto the returned context for the engine guards.
func requireEngineering(ctx context.Context) (context.Context, error) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return ctx, gate.ForbiddenError{}
	}
	for _, role := range p.Roles {
		if role == engineeringRole {
			return gate.WithEngineering(ctx), nil
		}
	}
	return ctx, gate.ForbiddenError{}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

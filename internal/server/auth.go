package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"sitetrack/internal/logging"
)

var errNoSecret = errors.New("jwt secret not configured")

// AuthConfig selects how requests identify their actor. Bearer tokens are
// HS256 JWTs whose subject is the actor name. The X-Actor-Id header is only
// trusted when AllowLegacyActorHeader is set.
type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *zap.Logger
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string // "jwt" or "legacy_header"
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", errUnauthorized()
	}
	return p.ActorID, nil
}

func errUnauthorized() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func verifyToken(secret, token string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errNoSecret
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

// IssueToken signs an HS256 token for actorID. A zero ttl issues a token
// without expiry.
func IssueToken(secret, actorID string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor required")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type authenticator struct {
	cfg      AuthConfig
	logger   *zap.Logger
	basePath string
}

// public reports paths served without credentials: the health check, the
// OpenAPI documents and anything outside the API base path (docs).
func (a authenticator) public(p string) bool {
	if !strings.HasPrefix(p, a.basePath) {
		return true
	}
	return p == path.Join(a.basePath, "health") || strings.HasPrefix(p, path.Join(a.basePath, "openapi"))
}

// resolve picks the bearer token first. A request carrying both a token
// and X-Actor-Id is judged on the token alone.
func (a authenticator) resolve(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, errBadCredentials()
		}
		p, err := verifyToken(a.cfg.JWTSecret, token)
		if err != nil {
			a.logger.Debug("reject bearer token", zap.Error(err))
			return Principal{}, errBadCredentials()
		}
		return p, nil
	}
	actor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	if actor == "" || !a.cfg.AllowLegacyActorHeader {
		return Principal{}, errUnauthorized()
	}
	a.logger.Warn("unauthenticated X-Actor-Id accepted", zap.String("actor_id", actor))
	return Principal{ActorID: actor, Source: "legacy_header"}, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	a := authenticator{cfg: cfg, logger: logging.OrNop(cfg.Logger), basePath: basePath}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if a.public(req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			p, err := a.resolve(req)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	json.NewEncoder(w).Encode(err)
}

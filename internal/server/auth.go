package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"boardline/internal/engine/auth"
	"boardline/internal/logging"
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader trusts a bare X-Actor-Id header. Local development only.
	AllowActorHeader bool
	Log              *logging.Logger
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, error) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// SignToken issues an HS256 bearer token for actorID.
func SignToken(secret, actorID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errJWTDisabled
	}
	rc := jwt.RegisteredClaims{Subject: actorID, Issuer: tokenIssuer, IssuedAt: jwt.NewNumericDate(now)}
	if ttl > 0 {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{RegisteredClaims: rc}).SignedString([]byte(secret))
}

const tokenIssuer = "boardline"

var errJWTDisabled = errors.New("jwt secret not configured")

// authenticateJWT accepts HS256 tokens minted by SignToken. The subject is the actor id.
func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errJWTDisabled
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(30*time.Second),
	)
	switch {
	case err != nil:
		return Principal{}, fmt.Errorf("token: %w", err)
	case claims.Subject == "":
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, actors auth.Registry) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	hookPrefix := path.Join(basePath, "hooks") + "/"
	specPath := path.Join(basePath, "openapi.json")
	log := cfg.Log
	if log == nil {
		log = logging.NewNop()
	}
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := req.URL.Path
			if !strings.HasPrefix(p, basePath) || p == healthPath || p == specPath || strings.HasPrefix(p, hookPrefix) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			headerActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			var principal Principal
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				pr, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					log.Debug(req.Context(), "jwt rejected", zap.Error(err))
					respondStatusError(w, invalid)
					return
				}
				principal = pr
			case apiKey != "":
				a, err := actors.ActorForAPIKey(req.Context(), apiKey)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				principal = Principal{ActorID: a.ID, Source: "api_key"}
			case headerActor != "" && cfg.AllowActorHeader:
				log.Warn(req.Context(), "trusting unauthenticated X-Actor-Id header", zap.String("actor_id", headerActor))
				principal = Principal{ActorID: headerActor, Source: "actor_header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			ctx := logging.WithActor(withPrincipal(req.Context(), principal), principal.ActorID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

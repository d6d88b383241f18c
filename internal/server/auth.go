package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storyline/internal/repo"
)

type actorKey struct{}

// Actor is the authenticated caller attached to the request context.
type Actor struct {
	ID          string
	Permissions []string
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == "admin" {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// IssueToken mints an HMAC-signed bearer token carrying the actor's
// permissions.
func IssueToken(secret, actorID string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (Actor, error) {
	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return Actor{}, errors.New("invalid token")
	}
	return Actor{ID: claims.Subject, Permissions: claims.Permissions}, nil
}

// authMiddleware accepts either a bearer JWT or an X-API-Key header. API
// keys authenticate with full agent permissions.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var actor Actor
		authed := false

		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if s.cfg.Server.JWTSecret == "" {
				writeAuthError(w, "bearer auth is not configured")
				return
			}
			a, err := parseToken(s.cfg.Server.JWTSecret, strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				writeAuthError(w, "invalid bearer token")
				return
			}
			actor, authed = a, true
		} else if key := r.Header.Get("X-API-Key"); key != "" {
			rec, err := s.repo.FindAPIKey(s.db, key)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					writeAuthError(w, "unknown api key")
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			actor = Actor{ID: rec.ActorID, Permissions: []string{"agent"}}
			authed = true
		}

		if !authed {
			writeAuthError(w, "missing credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"unauthorized","message":"` + msg + `"}`))
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/companion/internal/storage"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user, or "" outside Authenticate.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// Provisioner makes sure an authenticated user has a record.
type Provisioner interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	SaveUser(ctx context.Context, u storage.User) error
}

// Authenticate validates an HS256 JWT from the Authorization header, or from
// the access_token query parameter for clients that cannot set headers, and
// attaches the user id to the request context. The id is read from the
// user_id claim, falling back to sub. First-time users are created on the
// free plan with defaultPersona.
func Authenticate(secret []byte, users Provisioner, defaultPersona string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}

			userID, err := ParseToken(secret, tokenStr)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid token")
				return
			}

			if err := ensureUser(r.Context(), users, userID, defaultPersona); err != nil {
				slog.Warn("provisioning user failed", "user_id", userID, "error", err)
			}
			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return r.URL.Query().Get("access_token")
}

// ParseToken verifies tokenStr and returns its user id.
func ParseToken(secret []byte, tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no user id")
	}
	return sub, nil
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"sub":     userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return tok, nil
}

func ensureUser(ctx context.Context, users Provisioner, id, persona string) error {
	_, err := users.GetUser(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return users.SaveUser(ctx, storage.User{
		ID:        id,
		Plan:      storage.PlanFree,
		Persona:   persona,
		CreatedAt: time.Now().UTC(),
	})
}

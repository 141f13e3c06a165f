package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/store"
)

type currentUserKey struct{}

var ctxKeyCurrentUser = currentUserKey{}

// Authenticator resolves bearer-token hashes to users.
type Authenticator interface {
	UserByTokenHash(ctx context.Context, tokenHash string) (*store.User, error)
}

// hashToken returns the hex sha256 of a raw bearer token. Only hashes
// are ever stored or compared.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// currentUser retrieves the authenticated user from the request
// context. Handlers behind authMiddleware can rely on it being set.
func currentUser(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(ctxKeyCurrentUser).(*store.User)
	return u, ok
}

// authMiddleware requires a valid bearer token on every request and
// attaches the resolved user to the context.
func authMiddleware(auth Authenticator, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token", logger)
				return
			}

			user, err := auth.UserByTokenHash(r.Context(), hashToken(token))
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Error("token lookup failed", "error", err)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token", logger)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyCurrentUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// userOut is the client-facing account shape.
type userOut struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// verifyToken handles POST /api/v1/auth/verify: the middleware already
// authenticated, so this just echoes the resolved account.
func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, userOut{
		ID:    user.ID.String(),
		Name:  strings.TrimSpace(user.FirstName + " " + user.LastName),
		Email: user.Email,
	}, s.logger)
}

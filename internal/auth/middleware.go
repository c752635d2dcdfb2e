package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/HyphaGroup/oubliette/internal/logger"
)

// Mode selects the gateway's authentication requirement (spec §4.10).
type Mode string

const (
	ModeNone   Mode = "none"
	ModeBearer Mode = "bearer"
)

// Middleware enforces the gateway's auth mode. In ModeNone every request
// passes through with an empty AuthContext. In ModeBearer, a request
// missing or presenting an invalid/expired bearer token is rejected with
// 401 and a JSON {error:{code,...}} body; "/health" bypasses auth entirely
// (handled by the caller never wrapping that route).
func Middleware(store *Store, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == ModeNone {
				ctx := WithContext(r.Context(), &AuthContext{Type: AuthTypeNone})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				jsonAuthError(w, "UNAUTHORIZED", "missing bearer token", http.StatusUnauthorized)
				return
			}

			plaintext := strings.TrimPrefix(header, "Bearer ")
			token, err := store.ValidateToken(plaintext)
			if err != nil {
				logger.Info("token validation failed: %v", err)
				jsonAuthError(w, "INVALID_TOKEN", "invalid or expired token", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{Type: AuthTypeToken, Token: token}
			logger.Info("authenticated token %s (%s)", maskToken(plaintext), token.Name)

			ctx := WithContext(r.Context(), authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonAuthError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func maskToken(plaintext string) string {
	if len(plaintext) <= 12 {
		return "***"
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}

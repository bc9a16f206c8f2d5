package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "pich/pkg/domain"
	"pich/pkg/requestcontext"
)

// IdentityResolver maps a bearer credential to a local user, creating the user
// on first sight.
type IdentityResolver interface {
	ResolveOrCreate(ctx context.Context, token string) (id.UserID, error)
}

// GetUserID retrieves the authenticated user ID from the context.
func GetUserID(ctx context.Context) id.UserID {
	return requestcontext.UserID(ctx)
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth rejects requests without a well-formed "Authorization: Bearer"
// header before any handler logic runs. Resolution failures of any kind are
// reported as 401 without provider detail.
func RequireAuth(resolver IdentityResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			userID, err := resolver.ResolveOrCreate(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - identity resolution failed",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithUserID(ctx, userID)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	const bearerPrefix = "Bearer "
	after, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", false
	}
	token := strings.TrimSpace(after)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

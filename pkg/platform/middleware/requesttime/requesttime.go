// Package requesttime captures one "now" per request so every timestamp written
// while serving it (card updatedAt, connection lastInteractionDate, audit time)
// agrees.
package requesttime

import (
	"net/http"
	"time"

	"pich/pkg/requestcontext"
)

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

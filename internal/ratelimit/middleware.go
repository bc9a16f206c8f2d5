package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pich/pkg/platform/httputil"
	"pich/pkg/requestcontext"
)

// Limiter applies one limit per client IP and route class.
type Limiter struct {
	store    Store
	limit    int
	window   time.Duration
	logger   *slog.Logger
	rejected *prometheus.CounterVec
}

type Option func(*Limiter)

// WithRegisterer exports a rejection counter by class.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.rejected = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pich_rate_limit_rejections_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}, []string{"class"})
	}
}

// New returns a limiter admitting limit requests per window per key. A
// non-positive limit disables limiting.
func New(store Store, limit int, window time.Duration, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{store: store, limit: limit, window: window, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type exceededResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	RetryAfter  int    `json:"retry_after"`
}

// Middleware limits requests of one class. Store failures let the request
// through.
func (l *Limiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || l.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				ip = "unknown"
			}

			res, err := l.store.Allow(ctx, class+":"+ip, l.limit, l.window)
			if err != nil {
				l.logger.WarnContext(ctx, "rate limit check failed",
					"class", class,
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if l.rejected != nil {
				l.rejected.WithLabelValues(class).Inc()
			}
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
				Error:       "rate_limit_exceeded",
				Description: "Too many requests, try again later",
				RetryAfter:  retry,
			})
		})
	}
}

package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"pich/internal/identity/metrics"
	usermodels "pich/internal/users/models"
	"pich/pkg/attrs"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
	"pich/pkg/platform/audit"
	"pich/pkg/requestcontext"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

// Verifier checks a provider credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (*usermodels.ExternalIdentity, error)
}

// Cache remembers which user a token resolved to. Get reports found=false
// for a miss.
type Cache interface {
	Get(ctx context.Context, token string) (userID id.UserID, found bool, err error)
	Set(ctx context.Context, token string, userID id.UserID, ttl time.Duration) error
}

// Provisioner finds or creates the local user for a verified identity.
// UserExists lets a cached resolution be dropped once its user is deleted.
type Provisioner interface {
	ProvisionExternal(ctx context.Context, ident usermodels.ExternalIdentity) (*usermodels.User, bool, error)
	UserExists(ctx context.Context, userID id.UserID) (bool, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Resolver implements ResolveOrCreate for the auth middleware.
type Resolver struct {
	verifier Verifier
	users    Provisioner
	cache    Cache
	group    singleflight.Group

	timeout        time.Duration
	cacheTTL       time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
}

type Option func(*Resolver)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(r *Resolver) {
		r.auditPublisher = publisher
	}
}

func NewResolver(verifier Verifier, users Provisioner, opts ...Option) (*Resolver, error) {
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if users == nil {
		return nil, errors.New("user provisioner is required")
	}
	r := &Resolver{
		verifier: verifier,
		users:    users,
		timeout:  DefaultTimeout,
		cacheTTL: DefaultCacheTTL,
		tracer:   otel.Tracer("pich/internal/identity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type resolution struct {
	userID  id.UserID
	outcome string
}

// ResolveOrCreate returns the local user for token, creating it on first
// sight. Repeated and concurrent calls with the same token yield the same
// user. Any failure, including the deadline, is Unauthorized.
func (r *Resolver) ResolveOrCreate(ctx context.Context, token string) (userID id.UserID, err error) {
	ctx, span := r.tracer.Start(ctx, "identity.ResolveOrCreate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unauthorized")
		}
		span.End()
	}()

	if token == "" {
		return id.UserID{}, r.reject(ctx, errors.New("empty token"))
	}

	if cached, ok := r.cached(ctx, token); ok {
		r.metrics.IncrementResolution("cached")
		span.SetAttributes(attribute.Bool("identity.cached", true))
		return cached, nil
	}

	// The shared call outlives any one caller's cancellation but is bounded
	// by the resolver timeout.
	ch := r.group.DoChan(tokenKey(token), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolve(callCtx, token)
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return id.UserID{}, r.reject(ctx, res.Err)
		}
		return res.Val.(resolution).userID, nil
	case <-timer.C:
		return id.UserID{}, r.reject(ctx, context.DeadlineExceeded)
	case <-ctx.Done():
		return id.UserID{}, r.reject(ctx, ctx.Err())
	}
}

// cached returns the user a previous resolution of token produced, provided
// that user still exists. A deleted user turns the entry into a miss so the
// token is verified and provisioned again.
func (r *Resolver) cached(ctx context.Context, token string) (id.UserID, bool) {
	if r.cache == nil {
		return id.UserID{}, false
	}
	userID, found, err := r.cache.Get(ctx, token)
	switch {
	case err != nil:
		r.metrics.IncrementCache("error")
		r.warn(ctx, "identity cache read failed", err)
		return id.UserID{}, false
	case !found:
		r.metrics.IncrementCache("miss")
		return id.UserID{}, false
	}
	exists, err := r.users.UserExists(ctx, userID)
	if err != nil {
		r.metrics.IncrementCache("error")
		r.warn(ctx, "identity cache check failed", err)
		return id.UserID{}, false
	}
	if !exists {
		r.metrics.IncrementCache("stale")
		return id.UserID{}, false
	}
	r.metrics.IncrementCache("hit")
	return userID, true
}

// entryTTL bounds an entry by the credential's own expiry. A non-positive
// result means the resolution must not be cached.
func (r *Resolver) entryTTL(ident *usermodels.ExternalIdentity) time.Duration {
	ttl := r.cacheTTL
	if ident.ExpiresAt.IsZero() {
		return ttl
	}
	return min(ttl, time.Until(ident.ExpiresAt))
}

func (r *Resolver) resolve(ctx context.Context, token string) (resolution, error) {
	start := time.Now()
	defer r.metrics.ObserveResolve(start)

	ident, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return resolution{}, err
	}
	user, created, err := r.users.ProvisionExternal(ctx, *ident)
	if err != nil {
		return resolution{}, err
	}

	if ttl := r.entryTTL(ident); r.cache != nil && ttl > 0 {
		if err := r.cache.Set(ctx, token, user.ID, ttl); err != nil {
			r.warn(ctx, "identity cache write failed", err)
		}
	}
	outcome := "existing"
	if created {
		outcome = "created"
	}
	r.metrics.IncrementResolution(outcome)
	r.logAudit(ctx, string(audit.EventIdentityResolved),
		"user_id", user.ID.String(),
		"outcome", outcome,
	)
	return resolution{userID: user.ID, outcome: outcome}, nil
}

// reject logs the cause and returns the client-facing error.
func (r *Resolver) reject(ctx context.Context, cause error) error {
	r.metrics.IncrementResolution("rejected")
	r.logAudit(ctx, string(audit.EventAuthFailed),
		"reason", rejectReason(cause),
	)
	r.warn(ctx, "identity resolution failed", cause)
	return dErrors.Wrap(cause, dErrors.CodeUnauthorized, "invalid or expired token")
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotVerified):
		return "not_verified"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "error"
}

func (r *Resolver) warn(ctx context.Context, msg string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.WarnContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
}

func (r *Resolver) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if r.logger != nil {
		r.logger.InfoContext(ctx, event, args...)
	}
	if r.auditPublisher == nil {
		return
	}
	userID, _ := id.ParseUserID(attrs.ExtractString(attributes, "user_id"))
	_ = r.auditPublisher.Emit(ctx, audit.Event{
		UserID: userID,
		Action: event,
		Attrs:  attrs.ToMap(attributes, "user_id", "request_id"),
	})
}

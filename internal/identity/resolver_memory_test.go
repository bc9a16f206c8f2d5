package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cardsvc "pich/internal/cards/service"
	"pich/internal/identity/metrics"
	"pich/internal/storage"
	usermodels "pich/internal/users/models"
	usersvc "pich/internal/users/service"
	id "pich/pkg/domain"
	dErrors "pich/pkg/domain-errors"
)

// stubVerifier maps tokens to identities without a provider.
type stubVerifier map[string]usermodels.ExternalIdentity

func (s stubVerifier) Verify(_ context.Context, token string) (*usermodels.ExternalIdentity, error) {
	ident, ok := s[token]
	if !ok {
		return nil, ErrNotVerified
	}
	return &ident, nil
}

// mapCache is a process-local Cache that honours ttl.
type mapCache struct {
	mu      sync.Mutex
	entries map[string]mapCacheEntry
}

type mapCacheEntry struct {
	userID  id.UserID
	expires time.Time
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]mapCacheEntry)}
}

func (c *mapCache) Get(_ context.Context, token string) (id.UserID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok || time.Now().After(e.expires) {
		return id.UserID{}, false, nil
	}
	return e.userID, true, nil
}

func (c *mapCache) Set(_ context.Context, token string, userID id.UserID, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = mapCacheEntry{userID: userID, expires: time.Now().Add(ttl)}
	return nil
}

func (c *mapCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newMemoryResolver(t *testing.T, verifier Verifier, opts ...Option) (*Resolver, storage.Stores, *metrics.Metrics) {
	r, stores, _, m := newMemoryResolverWithUsers(t, verifier, opts...)
	return r, stores, m
}

func newMemoryResolverWithUsers(t *testing.T, verifier Verifier, opts ...Option) (*Resolver, storage.Stores, *usersvc.Service, *metrics.Metrics) {
	t.Helper()
	stores := storage.NewInMemory().Stores()
	cards, err := cardsvc.New(stores.Cards, stores.Users, stores.Tx)
	require.NoError(t, err)
	users, err := usersvc.New(stores.Users, stores.Cards, stores.Connections, cards, stores.Tx)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	r, err := NewResolver(verifier, users, append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)
	return r, stores, users, m
}

func TestResolveOrCreateAgainstUserStore(t *testing.T) {
	verifier := stubVerifier{
		"session-1": {ExternalID: "did:privy:ada", Email: "ada@example.com"},
		"session-2": {ExternalID: "did:privy:ada", Email: "ada@example.com"},
		"other":     {ExternalID: "did:privy:bob"},
	}
	r, stores, m := newMemoryResolver(t, verifier)
	ctx := context.Background()

	first, err := r.ResolveOrCreate(ctx, "session-1")
	require.NoError(t, err)
	second, err := r.ResolveOrCreate(ctx, "session-2")
	require.NoError(t, err)
	assert.Equal(t, first, second, "two sessions of one identity share a user")

	bob, err := r.ResolveOrCreate(ctx, "other")
	require.NoError(t, err)
	assert.NotEqual(t, first, bob)

	u, err := stores.Users.FindByExternalID(ctx, "did:privy:bob")
	require.NoError(t, err)
	assert.Equal(t, bob, u.ID)
	assert.Contains(t, u.Email, "@privy.user", "missing email gets a synthetic address")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("existing")))
}

func TestResolveOrCreateConcurrentFirstSight(t *testing.T) {
	r, _, _ := newMemoryResolver(t, stubVerifier{"tok": {ExternalID: "did:privy:crowd"}})

	const callers = 12
	results := make([]id.UserID, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			userID, err := r.ResolveOrCreate(context.Background(), "tok")
			assert.NoError(t, err)
			results[i] = userID
		})
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, results[0], got)
	}
}

func TestExpiredCredentialIsNotServedFromCache(t *testing.T) {
	signer := newSigner(t)
	verifier, err := NewJWTVerifier("app-123", signer.pubPEM)
	require.NoError(t, err)
	cache := newMapCache()
	r, _, _ := newMemoryResolver(t, verifier, WithCache(cache, time.Hour))
	ctx := context.Background()

	// Past exp but inside the verifier's leeway, so it is still accepted once.
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-20 * time.Second))
	token := signer.token(t, claims)

	_, err = r.ResolveOrCreate(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, cache.len(), "an expired credential leaves nothing in the cache")

	verifier.leeway = 0
	_, err = r.ResolveOrCreate(ctx, token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestCachedResolutionOfDeletedUserProvisionsAgain(t *testing.T) {
	cache := newMapCache()
	r, _, users, m := newMemoryResolverWithUsers(t,
		stubVerifier{"tok": {ExternalID: "did:privy:gone"}},
		WithCache(cache, time.Hour),
	)
	ctx := context.Background()

	first, err := r.ResolveOrCreate(ctx, "tok")
	require.NoError(t, err)
	require.NoError(t, users.Delete(ctx, first, first))

	second, err := r.ResolveOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "the deleted user is not resurrected from the cache")

	profile, err := users.Profile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "did:privy:gone", *profile.ExternalID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("stale")))

	third, err := r.ResolveOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	id "pich/pkg/domain"
)

const tokenKeyPrefix = "pich:identity:token:"

// RedisCache keys entries by the SHA-256 of the token so raw credentials
// never reach Redis.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, token string) (id.UserID, bool, error) {
	raw, err := c.client.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return id.UserID{}, false, nil
	}
	if err != nil {
		return id.UserID{}, false, err
	}
	userID, err := id.ParseUserID(raw)
	if err != nil {
		// A corrupt entry is a miss; it is overwritten on the next Set.
		return id.UserID{}, false, nil
	}
	return userID, true, nil
}

func (c *RedisCache) Set(ctx context.Context, token string, userID id.UserID, ttl time.Duration) error {
	return c.client.Set(ctx, tokenKey(token), userID.String(), ttl).Err()
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}

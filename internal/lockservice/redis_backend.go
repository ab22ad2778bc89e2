package lockservice

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using plain SET NX EX / DEL. Unlock
// is intentionally unchecked rather than CAS-guarded on release; see
// the package doc comment.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

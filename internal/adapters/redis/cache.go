package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// AcquireLock sets key to owner only if it is absent. The lock expires after
// ttl so a crashed holder cannot wedge the key.
func (c *Cache) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res := c.client.SetNX(ctx, "lock:"+key, owner, ttl)
	return res.Val(), res.Err()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock deletes key only while owner still holds it.
func (c *Cache) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, c.client, []string{"lock:" + key}, owner).Err()
}

// Incr increments a fixed-window counter. The expiry is set only when the
// window opens so steady traffic cannot extend it.
func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/mpesa"
)

const tokenKey = "mpesa:token"

// TokenCache shares the gateway OAuth token across API replicas.
type TokenCache struct {
	client *redis.Client
	key    string
}

func NewTokenCache(client *redis.Client, shortCode string) *TokenCache {
	return &TokenCache{client: client, key: tokenKey + ":" + shortCode}
}

var _ mpesa.TokenCache = (*TokenCache)(nil)

func (c *TokenCache) Get(ctx context.Context) (mpesa.Token, bool, error) {
	val, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return mpesa.Token{}, false, nil
	}
	if err != nil {
		return mpesa.Token{}, false, err
	}
	var tok mpesa.Token
	if err := json.Unmarshal(val, &tok); err != nil {
		return mpesa.Token{}, false, errors.Wrap(err, "decode cached token")
	}
	return tok, true, nil
}

func (c *TokenCache) Set(ctx context.Context, tok mpesa.Token) error {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, ttl).Err()
}

func (c *TokenCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

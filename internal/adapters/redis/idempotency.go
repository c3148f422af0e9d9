package redis

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Idempotency stores replayable responses under "idemp:<key>" and in-flight
// claims under "idemp:inflight:<key>".
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type IdempResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Result []byte      `json:"result"`
}

func responseKey(key string) string { return "idemp:" + key }
func claimKey(key string) string    { return "idemp:inflight:" + key }

func (i *Idempotency) Get(ctx context.Context, key string) (*IdempResponse, error) {
	val, err := i.client.Get(ctx, responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp IdempResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode stored response for %s", key)
	}
	return &resp, nil
}

// Set stores resp and drops the in-flight claim in one MULTI.
func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, responseKey(key), data, ttl)
		pipe.Del(ctx, claimKey(key))
		return nil
	})
	return err
}

// Claim marks key as in flight. It returns false when another request holds
// the claim. The claim expires after ttl if its holder dies.
func (i *Idempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, claimKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.client.Del(ctx, claimKey(key)).Err()
}

package rateLimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/rateLimit"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type memCounter struct {
	counts map[string]int64
	err    error
}

func (m *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func TestRateLimiter_Allow(t *testing.T) {
	logger, hook := test.NewNullLogger()
	counter := &memCounter{counts: map[string]int64{}}
	rl := rateLimit.NewRateLimiter(counter, observability.FromLogrus(logger))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "buyer-1", 3, time.Minute))
	}
	assert.False(t, rl.Allow(ctx, "buyer-1", 3, time.Minute))
	assert.True(t, rl.Allow(ctx, "buyer-2", 3, time.Minute))

	counter.err = errors.New("connection refused")
	assert.True(t, rl.Allow(ctx, "buyer-1", 3, time.Minute))
	assert.Equal(t, "rate limiter unavailable", hook.LastEntry().Message)
}

package idempotency

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/redis"
)

// ErrInFlight is returned by Begin while another request with the same key is
// still being processed.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Store is the persistence the Idempotency service needs; the redis adapter
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store    Store
	ttl      time.Duration
	inFlight time.Duration
}

func NewIdempotency(store Store, ttl, inFlight time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, inFlight: inFlight}
}

type Response struct {
	Status int
	Header http.Header
	Result []byte
}

// Key scopes a client-supplied key to the caller so two buyers cannot collide.
func Key(scope, clientKey string) string {
	return scope + ":" + clientKey
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, Header: stored.Header, Result: stored.Result}, nil
}

// Begin claims key for the current request. Callers must call End when the
// request finishes, whether or not a response was stored.
func (i *Idempotency) Begin(ctx context.Context, key string) error {
	ok, err := i.store.Claim(ctx, key, i.inFlight)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInFlight
	}
	return nil
}

func (i *Idempotency) End(ctx context.Context, key string) error {
	return i.store.Release(ctx, key)
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status: resp.Status,
		Header: resp.Header,
		Result: resp.Result,
	}, i.ttl)
}

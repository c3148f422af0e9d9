package mpesa

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// tokenSkew is subtracted from the provider's expiry so a token is never
// presented in its last minute of validity.
const tokenSkew = 60 * time.Second

type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Add(tokenSkew).Before(t.ExpiresAt)
}

// TokenCache stores the OAuth token between requests. Implementations must be
// safe for concurrent use.
type TokenCache interface {
	Get(ctx context.Context) (Token, bool, error)
	Set(ctx context.Context, token Token) error
	Invalidate(ctx context.Context) error
}

type memoryTokenCache struct {
	mu    sync.RWMutex
	token Token
	ok    bool
}

func NewMemoryTokenCache() TokenCache {
	return &memoryTokenCache{}
}

func (c *memoryTokenCache) Get(context.Context) (Token, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.ok, nil
}

func (c *memoryTokenCache) Set(_ context.Context, token Token) error {
	c.mu.Lock()
	c.token, c.ok = token, true
	c.mu.Unlock()
	return nil
}

func (c *memoryTokenCache) Invalidate(context.Context) error {
	c.mu.Lock()
	c.token, c.ok = Token{}, false
	c.mu.Unlock()
	return nil
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
}

// seconds accepts both "3599" and 3599; the sandbox sends the former.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	var n json.Number
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		n = json.Number(str)
	} else if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "expires_in %s", b)
	}
	*s = seconds(v)
	return nil
}

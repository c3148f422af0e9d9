package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/campus-ticket-payments/internal/adapters/redis"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	httphandler "github.com/robertarktes/campus-ticket-payments/internal/http"
	"github.com/robertarktes/campus-ticket-payments/internal/idempotency"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/purchase"
	"github.com/robertarktes/campus-ticket-payments/internal/rateLimit"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakePurchases struct {
	mu        sync.Mutex
	initiated []purchase.InitiateRequest
	callbacks [][]byte

	initiateErr error
	purchases   map[uuid.UUID]domain.Purchase
	refundErr   error
}

func (f *fakePurchases) InitiatePurchase(_ context.Context, req purchase.InitiateRequest) (purchase.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return purchase.InitiateResult{}, f.initiateErr
	}
	return purchase.InitiateResult{
		PurchaseID:       uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		CorrelationToken: "ws_CO_191220191020363925",
		Status:           domain.StatusPending,
		Message:          "Payment request sent to your phone. Please complete the payment.",
	}, nil
}

func (f *fakePurchases) HandleCallback(_ context.Context, payload []byte) purchase.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, payload)
	return purchase.FixedAck
}

func (f *fakePurchases) Get(_ context.Context, buyerID, id uuid.UUID) (domain.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[id]
	if !ok || p.BuyerID != buyerID {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePurchases) ListMine(_ context.Context, buyerID uuid.UUID, status *domain.PurchaseStatus) ([]domain.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Purchase
	for _, p := range f.purchases {
		if p.BuyerID == buyerID && (status == nil || p.Status == *status) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePurchases) RequestRefund(_ context.Context, id, requester uuid.UUID) (domain.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return domain.Purchase{}, f.refundErr
	}
	p := f.purchases[id]
	p.Status = domain.StatusRefundRequested
	return p, nil
}

// update mutates the fake under its lock; the server reads it from other
// goroutines.
func (f *fakePurchases) update(fn func(f *fakePurchases)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePurchases) initiateCalls() []purchase.InitiateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]purchase.InitiateRequest(nil), f.initiated...)
}

func (f *fakePurchases) callbackBodies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.callbacks...)
}

type fakeSubscriptions struct{}

func (fakeSubscriptions) GetActiveSubscription(_ context.Context, subscriber uuid.UUID, now time.Time) (domain.Subscription, error) {
	return domain.NewSubscription(subscriber, "premium", 1, now.AddDate(0, 0, -1))
}

type fakeReviews struct{}

func (fakeReviews) NeedsReview(context.Context, int64) ([]mongoadapter.AuditLog, error) {
	return []mongoadapter.AuditLog{{ID: "a1", Action: "settlement.oversold", NeedsReview: true}}, nil
}

type memIdempStore struct {
	mu        sync.Mutex
	responses map[string]redisadapter.IdempResponse
	claims    map[string]bool
}

func (m *memIdempStore) Get(_ context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memIdempStore) Set(_ context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = resp
	return nil
}

func (m *memIdempStore) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[key] {
		return false, nil
	}
	m.claims[key] = true
	return true, nil
}

func (m *memIdempStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}

// lateStore lets a concurrent request finish between the replay lookup and
// the claim: the first Claim for a key stores that request's response first.
type lateStore struct {
	*memIdempStore
	late redisadapter.IdempResponse
	once sync.Once
}

func (s *lateStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.once.Do(func() {
		_ = s.memIdempStore.Set(ctx, key, s.late, ttl)
	})
	return s.memIdempStore.Claim(ctx, key, ttl)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

type server struct {
	*httptest.Server
	purchases *fakePurchases
	buyer     uuid.UUID
}

type serverOption func(*httphandler.RouterProperty, *httphandler.HandlersProperty)

func newServer(t *testing.T, opts ...serverOption) *server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := observability.FromLogrus(logger)

	s := &server{purchases: &fakePurchases{purchases: map[uuid.UUID]domain.Purchase{}}, buyer: uuid.New()}
	hp := httphandler.HandlersProperty{
		Purchases:     s.purchases,
		Subscriptions: fakeSubscriptions{},
		Reviews:       fakeReviews{},
		Logger:        log,
	}
	rp := httphandler.RouterProperty{
		Logger:      log,
		JWTSecret:   secret,
		RateLimiter: rateLimit.NewRateLimiter(&memCounter{counts: map[string]int64{}}, log),
		RateLimits:  httphandler.RateLimits{PerBuyer: 100, PerIP: 1000, Period: time.Minute},
		Idempotency: idempotency.NewIdempotency(&memIdempStore{
			responses: map[string]redisadapter.IdempResponse{},
			claims:    map[string]bool{},
		}, time.Hour, time.Minute),
	}
	for _, opt := range opts {
		opt(&rp, &hp)
	}
	rp.Handlers = httphandler.NewHandlers(hp)
	s.Server = httptest.NewServer(httphandler.SetupRouter(rp))
	t.Cleanup(s.Close)
	return s
}

func (s *server) token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func (s *server) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func (s *server) authed(t *testing.T) http.Header {
	return http.Header{"Authorization": {"Bearer " + s.token(t, s.buyer.String(), "")}}
}

func withKey(h http.Header, key string) http.Header {
	h.Set("Idempotency-Key", key)
	return h
}

const purchaseBody = `{"ticket_type_id":"0b8a6f0e-3c7d-4a2b-8d6e-5f4e3d2c1b0a","quantity":2,"phone":"0712345678"}`

func TestInitiatePurchaseEndpoint(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		s := newServer(t)
		resp, body := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "key-0000000000000001"))

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "11111111-2222-3333-4444-555555555555", body["purchase_id"])
		assert.Equal(t, "ws_CO_191220191020363925", body["checkout_request_id"])
		assert.Equal(t, "pending", body["status"])

		calls := s.purchases.initiateCalls()
		require.Len(t, calls, 1)
		req := calls[0]
		assert.Equal(t, s.buyer, req.BuyerID)
		assert.Equal(t, int64(2), req.Quantity)
		assert.Equal(t, "0712345678", req.Phone)
	})

	t.Run("requires a bearer token", func(t *testing.T) {
		s := newServer(t)
		resp, body := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(http.Header{}, "key-0000000000000001"))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHORIZED", body["code"])
	})

	t.Run("rejects a malformed token or subject", func(t *testing.T) {
		s := newServer(t)
		h := http.Header{"Authorization": {"Bearer " + s.token(t, "not-a-uuid", "")}}
		resp, _ := s.do(t, http.MethodGet, "/v1/purchases/me", "", h)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		h = http.Header{"Authorization": {"Bearer garbage"}}
		resp, _ = s.do(t, http.MethodGet, "/v1/purchases/me", "", h)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("validates the body", func(t *testing.T) {
		s := newServer(t)
		resp, body := s.do(t, http.MethodPost, "/v1/purchases",
			`{"ticket_type_id":"nope","phone":"0712345678"}`, withKey(s.authed(t), "key-0000000000000002"))

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body["code"])
		assert.Equal(t, "ticket_type_id must be a UUID; quantity is required", body["message"])
		assert.Empty(t, s.purchases.initiateCalls())
	})

	t.Run("maps domain errors", func(t *testing.T) {
		cases := []struct {
			err    error
			status int
			code   string
			msg    string
		}{
			{errors.WithHint(domain.ErrSoldOut, "only 1 tickets remaining"), http.StatusConflict, "SOLD_OUT", "only 1 tickets remaining"},
			{errors.WithHint(domain.ErrInvalidPhoneFormat, `"07" is not a valid mobile number`), http.StatusBadRequest, "INVALID_PHONE_FORMAT", `"07" is not a valid mobile number`},
			{errors.WithHint(domain.ErrGatewayTransport, "payment provider is unavailable, please try again"), http.StatusServiceUnavailable, "GATEWAY_TRANSPORT_ERROR", "payment provider is unavailable, please try again"},
			{errors.WithHint(domain.ErrGatewayRejected, "Invalid PhoneNumber"), http.StatusBadGateway, "GATEWAY_REJECTED", "Invalid PhoneNumber"},
			{errors.New("connection reset by peer"), http.StatusInternalServerError, "INTERNAL", "internal error"},
		}
		for _, tc := range cases {
			t.Run(tc.code, func(t *testing.T) {
				s := newServer(t)
				s.purchases.update(func(f *fakePurchases) { f.initiateErr = tc.err })
				resp, body := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "key-0000000000000003"))
				assert.Equal(t, tc.status, resp.StatusCode)
				assert.Equal(t, tc.code, body["code"])
				assert.Equal(t, tc.msg, body["message"])
			})
		}
	})
}

func TestIdempotencyKey(t *testing.T) {
	s := newServer(t)

	resp, _ := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, s.authed(t))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "short"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	first, firstBody := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "key-0000000000000009"))
	second, secondBody := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "key-0000000000000009"))

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, firstBody, secondBody)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	assert.Len(t, s.purchases.initiateCalls(), 1)

	// the key is scoped to the buyer
	other := uuid.New()
	h := http.Header{"Authorization": {"Bearer " + s.token(t, other.String(), "")}}
	resp, _ = s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(h, "key-0000000000000009"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, s.purchases.initiateCalls(), 2)
}

func TestMpesaCallbackEndpoint(t *testing.T) {
	s := newServer(t)

	for _, body := range []string{`{"Body":{"stkCallback":{}}}`, `not json`, ``} {
		resp, decoded := s.do(t, http.MethodPost, "/v1/payments/mpesa/callback", body, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), decoded["ResultCode"])
		assert.Equal(t, "Success", decoded["ResultDesc"])
	}
	bodies := s.purchases.callbackBodies()
	require.Len(t, bodies, 3)
	assert.Equal(t, "not json", string(bodies[1]))
}

func TestPurchaseReads(t *testing.T) {
	s := newServer(t)
	id := uuid.New()
	receipt := "QK1234ABCD"
	s.purchases.update(func(f *fakePurchases) {
		f.purchases[id] = domain.Purchase{
			ID:            id,
			BuyerID:       s.buyer,
			TicketTypeID:  uuid.New(),
			Quantity:      3,
			UnitPrice:     decimal.RequireFromString("500"),
			TotalAmount:   decimal.RequireFromString("1500"),
			Status:        domain.StatusCompleted,
			ReceiptNumber: &receipt,
		}
	})

	resp, body := s.do(t, http.MethodGet, "/v1/purchases/"+id.String(), "", s.authed(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1500.00", body["total_amount"])
	assert.Equal(t, "500.00", body["unit_price"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, receipt, body["receipt_number"])

	resp, body = s.do(t, http.MethodGet, "/v1/purchases/"+uuid.NewString(), "", s.authed(t))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = s.do(t, http.MethodGet, "/v1/purchases/not-a-uuid", "", s.authed(t))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/v1/purchases/me?status=completed", "", s.authed(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["purchases"], 1)

	resp, body = s.do(t, http.MethodGet, "/v1/purchases/me?status=pending", "", s.authed(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["purchases"], 0)

	resp, body = s.do(t, http.MethodGet, "/v1/purchases/me?status=bogus", "", s.authed(t))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestRefundEndpoint(t *testing.T) {
	s := newServer(t)
	id := uuid.New()
	s.purchases.update(func(f *fakePurchases) {
		f.purchases[id] = domain.Purchase{ID: id, BuyerID: s.buyer, Status: domain.StatusCompleted}
	})

	resp, body := s.do(t, http.MethodPost, "/v1/purchases/"+id.String()+"/refund", "", withKey(s.authed(t), "refund-000000000001"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refund_requested", body["purchase"].(map[string]interface{})["status"])

	s.purchases.update(func(f *fakePurchases) {
		f.refundErr = errors.WithHint(domain.ErrNotRefundable, "cannot refund tickets for events that have already started")
	})
	resp, body = s.do(t, http.MethodPost, "/v1/purchases/"+id.String()+"/refund", "", withKey(s.authed(t), "refund-000000000002"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "NOT_REFUNDABLE", body["code"])
	assert.Equal(t, "cannot refund tickets for events that have already started", body["message"])
}

func TestSubscriptionAndAdminEndpoints(t *testing.T) {
	s := newServer(t)

	resp, body := s.do(t, http.MethodGet, "/v1/subscriptions/me", "", s.authed(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "premium", body["plan"])
	assert.Equal(t, "500.00", body["monthly_fee"])

	resp, body = s.do(t, http.MethodGet, "/v1/admin/review-queue", "", s.authed(t))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", body["code"])

	admin := http.Header{"Authorization": {"Bearer " + s.token(t, uuid.NewString(), "admin")}}
	resp, body = s.do(t, http.MethodGet, "/v1/admin/review-queue", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, func(rp *httphandler.RouterProperty, _ *httphandler.HandlersProperty) {
		rp.RateLimits = httphandler.RateLimits{PerBuyer: 2, PerIP: 100, Period: time.Minute}
	})

	for i := 0; i < 2; i++ {
		resp, _ := s.do(t, http.MethodGet, "/v1/purchases/me", "", s.authed(t))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := s.do(t, http.MethodGet, "/v1/purchases/me", "", s.authed(t))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])

	// the callback is never limited
	resp, _ = s.do(t, http.MethodPost, "/v1/payments/mpesa/callback", "{}", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t, func(_ *httphandler.RouterProperty, hp *httphandler.HandlersProperty) {
		hp.Checks = []httphandler.Check{
			{Name: "crdb", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: connection refused") }},
		}
	})

	resp, _ := s.do(t, http.MethodGet, "/v1/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/v1/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable: redis", body["message"])

	resp, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIdempotencyKey_ResponseStoredBeforeClaim(t *testing.T) {
	store := &lateStore{
		memIdempStore: &memIdempStore{
			responses: map[string]redisadapter.IdempResponse{},
			claims:    map[string]bool{},
		},
		late: redisadapter.IdempResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"application/json"}},
			Result: []byte(`{"purchase_id":"11111111-2222-3333-4444-555555555555","status":"pending"}`),
		},
	}
	s := newServer(t, func(rp *httphandler.RouterProperty, _ *httphandler.HandlersProperty) {
		rp.Idempotency = idempotency.NewIdempotency(store, time.Hour, time.Minute)
	})

	resp, body := s.do(t, http.MethodPost, "/v1/purchases", purchaseBody, withKey(s.authed(t), "key-0000000000000010"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", body["purchase_id"])
	assert.Empty(t, s.purchases.initiateCalls())
}

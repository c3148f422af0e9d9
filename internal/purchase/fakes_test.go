package purchase_test

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/mpesa"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/purchase"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// memLedger serializes transactions and applies each one to a copy of the
// state, committing only when fn succeeds.
type memLedger struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   ledgerState

	// hiddenLookups makes the first n correlation lookups miss.
	hiddenLookups int
	txErr         error
}

type ledgerState struct {
	ticketTypes map[uuid.UUID]domain.TicketType
	purchases   map[uuid.UUID]domain.Purchase
	commissions map[uuid.UUID]domain.Commission
	outbox      []domain.OutboxEvent
}

func newMemLedger() *memLedger {
	return &memLedger{st: ledgerState{
		ticketTypes: map[uuid.UUID]domain.TicketType{},
		purchases:   map[uuid.UUID]domain.Purchase{},
		commissions: map[uuid.UUID]domain.Commission{},
	}}
}

func (s ledgerState) clone() ledgerState {
	c := ledgerState{
		ticketTypes: make(map[uuid.UUID]domain.TicketType, len(s.ticketTypes)),
		purchases:   make(map[uuid.UUID]domain.Purchase, len(s.purchases)),
		commissions: make(map[uuid.UUID]domain.Commission, len(s.commissions)),
		outbox:      append([]domain.OutboxEvent(nil), s.outbox...),
	}
	for k, v := range s.ticketTypes {
		c.ticketTypes[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	return c
}

func (l *memLedger) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	if l.txErr != nil {
		return l.txErr
	}

	l.mu.Lock()
	work := l.st.clone()
	l.mu.Unlock()

	if err := fn(&memTx{st: &work}); err != nil {
		return err
	}

	l.mu.Lock()
	l.st = work
	l.mu.Unlock()
	return nil
}

func (l *memLedger) addTicketType(tt domain.TicketType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.ticketTypes[tt.ID] = tt
}

func (l *memLedger) GetTicketType(_ context.Context, id uuid.UUID) (domain.TicketType, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tt, ok := l.st.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (l *memLedger) CreatePurchase(_ context.Context, p domain.Purchase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.st.purchases[p.ID]; ok {
		return domain.ErrConflict
	}
	l.st.purchases[p.ID] = p
	return nil
}

func (l *memLedger) SetCorrelationToken(_ context.Context, id uuid.UUID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.st.purchases[id]
	if !ok || p.CorrelationToken != nil {
		return domain.ErrNotFound
	}
	p.CorrelationToken = &token
	l.st.purchases[id] = p
	return nil
}

func (l *memLedger) GetPurchase(_ context.Context, id uuid.UUID) (domain.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.st.purchases[id]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (l *memLedger) FindPurchaseByCorrelation(_ context.Context, token string) (domain.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hiddenLookups > 0 {
		l.hiddenLookups--
		return domain.Purchase{}, domain.ErrNotFound
	}
	for _, p := range l.st.purchases {
		if p.CorrelationToken != nil && *p.CorrelationToken == token {
			return p, nil
		}
	}
	return domain.Purchase{}, domain.ErrNotFound
}

func (l *memLedger) FindPendingByPhone(_ context.Context, phone string) ([]domain.Purchase, error) {
	return l.filter(func(p domain.Purchase) bool {
		return p.PayerPhone == phone && p.Status == domain.StatusPending
	}), nil
}

func (l *memLedger) ListPurchasesByBuyer(_ context.Context, buyerID uuid.UUID, status *domain.PurchaseStatus) ([]domain.Purchase, error) {
	return l.filter(func(p domain.Purchase) bool {
		return p.BuyerID == buyerID && (status == nil || p.Status == *status)
	}), nil
}

func (l *memLedger) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]domain.Purchase, error) {
	out := l.filter(func(p domain.Purchase) bool {
		return p.Status == domain.StatusPending && !p.CreatedAt.After(olderThan)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) GetCommissionByPurchase(_ context.Context, id uuid.UUID) (domain.Commission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.st.commissions[id]
	if !ok {
		return domain.Commission{}, domain.ErrNotFound
	}
	return c, nil
}

func (l *memLedger) filter(keep func(domain.Purchase) bool) []domain.Purchase {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Purchase
	for _, p := range l.st.purchases {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *memLedger) outbox() []domain.OutboxEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.OutboxEvent(nil), l.st.outbox...)
}

func (l *memLedger) commissionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.st.commissions)
}

type memTx struct {
	st *ledgerState
}

func (t *memTx) LockPurchase(_ context.Context, id uuid.UUID) (domain.Purchase, error) {
	p, ok := t.st.purchases[id]
	if !ok {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (t *memTx) LockTicketType(_ context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, ok := t.st.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (t *memTx) IncrementSold(_ context.Context, id uuid.UUID, qty int64) error {
	tt := t.st.ticketTypes[id]
	if !domain.HasHeadroom(tt, qty) {
		return domain.ErrOversoldAtSettlement
	}
	tt.SoldCount += qty
	t.st.ticketTypes[id] = tt
	return nil
}

func (t *memTx) TransitionPurchase(_ context.Context, id uuid.UUID, change domain.StatusChange) error {
	if err := domain.CheckTransition(change.From, change.To); err != nil {
		return err
	}
	p, ok := t.st.purchases[id]
	if !ok || p.Status != change.From {
		return errors.Wrapf(domain.ErrIllegalTransition, "purchase %s is no longer %s", id, change.From)
	}
	t.st.purchases[id] = p.Apply(change)
	return nil
}

func (t *memTx) InsertCommission(_ context.Context, c domain.Commission) error {
	if _, ok := t.st.commissions[c.PurchaseID]; ok {
		return domain.ErrConflict
	}
	t.st.commissions[c.PurchaseID] = c
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, evt domain.OutboxEvent) error {
	for _, e := range t.st.outbox {
		if e.DedupeKey == evt.DedupeKey {
			return nil
		}
	}
	t.st.outbox = append(t.st.outbox, evt)
	return nil
}

// fakeGateway records initiations and parses callbacks with the real Daraja
// parser.
type fakeGateway struct {
	*mpesa.Client

	mu       sync.Mutex
	requests []domain.PaymentRequest
	initiate func(req domain.PaymentRequest) (domain.PaymentInitiation, error)
}

func (g *fakeGateway) Initiate(_ context.Context, req domain.PaymentRequest) (domain.PaymentInitiation, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	g.mu.Unlock()
	if g.initiate != nil {
		return g.initiate(req)
	}
	return domain.PaymentInitiation{Accepted: true, CorrelationToken: "ws_CO_" + strconv.Itoa(n)}, nil
}

func (g *fakeGateway) calls() []domain.PaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.PaymentRequest(nil), g.requests...)
}

type fakeCatalog struct {
	events map[uuid.UUID]domain.EventSchedule
}

func (c *fakeCatalog) GetEvent(_ context.Context, id uuid.UUID) (domain.EventSchedule, error) {
	ev, ok := c.events[id]
	if !ok {
		return domain.EventSchedule{}, domain.ErrNotFound
	}
	return ev, nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *fakeAuditor) Record(_ context.Context, e domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func (a *fakeAuditor) find(action string) (domain.AuditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.Action == action {
			return e, true
		}
	}
	return domain.AuditEntry{}, false
}

var (
	now      = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)
	feeRate  = decimal.RequireFromString("0.05")
	buyerID  = uuid.MustParse("6f1c2f5e-6b61-4f57-9d1e-0c9b0d6f2a11")
	eventID  = uuid.MustParse("0b8a6f0e-3c7d-4a2b-8d6e-5f4e3d2c1b0a")
	rawPhone = "0712 345 678"
	msisdn   = "254712345678"
)

type harness struct {
	svc     *purchase.Service
	ledger  *memLedger
	gateway *fakeGateway
	catalog *fakeCatalog
	auditor *fakeAuditor
	hook    *test.Hook
}

type harnessOption func(*purchase.ServiceProperty)

func withPhoneFallback() harnessOption {
	return func(p *purchase.ServiceProperty) { p.PhoneFallback = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	log := observability.FromLogrus(logger)

	parser, err := mpesa.NewClient(mpesa.Config{AllowUncorrelated: true}, log)
	require.NoError(t, err)
	calc, err := domain.NewCalculator(feeRate, domain.CurrencyPlaces)
	require.NoError(t, err)

	h := &harness{
		ledger:  newMemLedger(),
		gateway: &fakeGateway{Client: parser},
		catalog: &fakeCatalog{events: map[uuid.UUID]domain.EventSchedule{
			eventID: {ID: eventID, Title: "Freshers Night", Date: "2025-09-20", StartTime: "19:30"},
		}},
		auditor: &fakeAuditor{},
		hook:    hook,
	}
	props := purchase.ServiceProperty{
		Logger:        log,
		Ledger:        h.ledger,
		Gateway:       h.gateway,
		Catalog:       h.catalog,
		Auditor:       h.auditor,
		Calculator:    calc,
		CountryCode:   "254",
		EventTimezone: "Africa/Nairobi",
		StoreTimeout:  time.Second,
		Relookup: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		},
		Now: func() time.Time { return now },
	}
	for _, opt := range opts {
		opt(&props)
	}
	h.svc = purchase.NewService(props)
	return h
}

func (h *harness) ticketType(quantity, sold int64, price string) domain.TicketType {
	tt := domain.TicketType{
		ID:        uuid.New(),
		EventID:   eventID,
		Name:      "Regular",
		Price:     decimal.RequireFromString(price),
		Quantity:  quantity,
		SoldCount: sold,
		SaleStart: now.Add(-24 * time.Hour),
	}
	h.ledger.addTicketType(tt)
	return tt
}

func (h *harness) initiate(t *testing.T, tt domain.TicketType, qty int64) purchase.InitiateResult {
	t.Helper()
	res, err := h.svc.InitiatePurchase(context.Background(), purchase.InitiateRequest{
		BuyerID:      buyerID,
		TicketTypeID: tt.ID,
		Quantity:     qty,
		Phone:        rawPhone,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) purchase(t *testing.T, id uuid.UUID) domain.Purchase {
	t.Helper()
	p, err := h.ledger.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	return p
}

func successPayload(token, receipt string, amount string) []byte {
	return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"` + token +
		`","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[` +
		`{"Name":"Amount","Value":` + amount + `},{"Name":"MpesaReceiptNumber","Value":"` + receipt + `"},` +
		`{"Name":"PhoneNumber","Value":254712345678}]}}}}`)
}

func failurePayload(token string, code string) []byte {
	return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"` + token +
		`","ResultCode":` + code + `,"ResultDesc":"Request cancelled by user"}}}`)
}

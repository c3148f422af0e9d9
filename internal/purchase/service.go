// Package purchase drives the ticket purchase lifecycle: initiation against
// the payment gateway, reconciliation of asynchronous callbacks, refund
// requests and the buyer-facing reads.
package purchase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

type Service struct {
	logger        observability.Logger
	ledger        domain.Ledger
	gateway       domain.PaymentGateway
	catalog       domain.EventCatalog
	auditor       domain.Auditor
	calculator    domain.Calculator
	countryCode   string
	eventTimezone string
	storeTimeout  time.Duration
	phoneFallback bool
	relookup      func() backoff.BackOff
	now           func() time.Time
}

type ServiceProperty struct {
	Logger        observability.Logger
	Ledger        domain.Ledger
	Gateway       domain.PaymentGateway
	Catalog       domain.EventCatalog
	Auditor       domain.Auditor
	Calculator    domain.Calculator
	CountryCode   string
	EventTimezone string
	StoreTimeout  time.Duration
	// PhoneFallback allows callbacks without a correlation token to be
	// matched to the single pending purchase for the payer's phone.
	PhoneFallback bool
	// Relookup paces the repeated correlation lookups for a callback that
	// races the token write. Defaults to five tries over about a second.
	Relookup func() backoff.BackOff
	Now      func() time.Time
}

func NewService(props ServiceProperty) *Service {
	s := &Service{
		logger:        props.Logger,
		ledger:        props.Ledger,
		gateway:       props.Gateway,
		catalog:       props.Catalog,
		auditor:       props.Auditor,
		calculator:    props.Calculator,
		countryCode:   props.CountryCode,
		eventTimezone: props.EventTimezone,
		storeTimeout:  props.StoreTimeout,
		phoneFallback: props.PhoneFallback,
		relookup:      props.Relookup,
		now:           props.Now,
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = 5 * time.Second
	}
	if s.relookup == nil {
		s.relookup = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 400 * time.Millisecond
			return backoff.WithMaxRetries(b, 4)
		}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Get returns one of the buyer's purchases. Other buyers' purchases are
// reported as not found.
func (s *Service) Get(ctx context.Context, buyerID, purchaseID uuid.UUID) (domain.Purchase, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	p, err := s.ledger.GetPurchase(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.BuyerID != buyerID {
		return domain.Purchase{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Service) ListMine(ctx context.Context, buyerID uuid.UUID, status *domain.PurchaseStatus) ([]domain.Purchase, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.ListPurchasesByBuyer(ctx, buyerID, status)
}

func (s *Service) audit(ctx context.Context, entry domain.AuditEntry) {
	if s.auditor == nil {
		return
	}
	ctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("action", entry.Action).Error("audit write failed")
	}
}

func ptr[T any](v T) *T {
	return &v
}

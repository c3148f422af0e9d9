package purchase

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

type InitiateRequest struct {
	BuyerID      uuid.UUID
	TicketTypeID uuid.UUID
	Quantity     int64
	Phone        string
}

type InitiateResult struct {
	PurchaseID       uuid.UUID
	CorrelationToken string
	Status           domain.PurchaseStatus
	Message          string
}

// Reference is the short account reference shown on the payer's statement.
func Reference(id uuid.UUID) string {
	return "TKT-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// InitiatePurchase validates the request, records a pending purchase and
// asks the gateway to prompt the payer. Completion arrives later through
// HandleCallback. No row lock is held across the gateway call.
func (s *Service) InitiatePurchase(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	log := observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
		"buyer_id":       req.BuyerID,
		"ticket_type_id": req.TicketTypeID,
		"quantity":       req.Quantity,
	})

	phone, err := domain.NormalizePhone(req.Phone, s.countryCode)
	if err != nil {
		observability.PurchasesInitiated.WithLabelValues("invalid").Inc()
		return InitiateResult{}, err
	}

	tt, err := s.loadTicketType(ctx, req.TicketTypeID)
	if err != nil {
		return InitiateResult{}, err
	}

	now := s.now()
	reservation, err := domain.CheckAndPlan(tt, req.Quantity, now)
	if err != nil {
		observability.PurchasesInitiated.WithLabelValues("unavailable").Inc()
		return InitiateResult{}, err
	}

	p := domain.NewPurchase(req.BuyerID, reservation, phone, now)
	if err := s.createPurchase(ctx, p); err != nil {
		return InitiateResult{}, err
	}
	log = log.WithField("purchase_id", p.ID)

	init, err := s.gateway.Initiate(ctx, domain.PaymentRequest{
		Phone:       phone,
		Amount:      p.TotalAmount,
		Reference:   Reference(p.ID),
		Description: s.describe(ctx, tt),
	})
	if err != nil {
		reason := domain.ReasonGatewayRejected
		if errors.Is(err, domain.ErrGatewayTransport) {
			reason = domain.ReasonGatewayTransport
		}
		log.WithError(err).Warn("payment initiation failed")
		observability.PurchasesInitiated.WithLabelValues(string(reason)).Inc()
		s.failPending(ctx, p, reason)
		if reason == domain.ReasonGatewayTransport {
			return InitiateResult{}, errors.WithHint(err, "payment provider is unavailable, please try again")
		}
		return InitiateResult{}, err
	}

	if !init.Accepted {
		log.WithField("gateway_message", init.Message).Info("payment initiation rejected")
		observability.PurchasesInitiated.WithLabelValues(string(domain.ReasonGatewayRejected)).Inc()
		s.failPending(ctx, p, domain.ReasonGatewayRejected)
		msg := init.Message
		if msg == "" {
			msg = "failed to initiate payment, please try again"
		}
		return InitiateResult{}, errors.WithHint(domain.ErrGatewayRejected, msg)
	}

	if err := s.setCorrelationToken(ctx, p.ID, init.CorrelationToken); err != nil {
		// The payer has been prompted; the callback will be audited as an
		// orphan and the sweep fails the purchase.
		log.WithError(err).Error("failed to store correlation token")
		return InitiateResult{}, errors.Wrap(err, "store correlation token")
	}

	observability.PurchasesInitiated.WithLabelValues("accepted").Inc()
	log.WithField("correlation_token", init.CorrelationToken).Info("payment initiated")
	return InitiateResult{
		PurchaseID:       p.ID,
		CorrelationToken: init.CorrelationToken,
		Status:           domain.StatusPending,
		Message:          "Payment request sent to your phone. Please complete the payment.",
	}, nil
}

func (s *Service) loadTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.GetTicketType(ctx, id)
}

func (s *Service) createPurchase(ctx context.Context, p domain.Purchase) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.CreatePurchase(ctx, p)
}

func (s *Service) setCorrelationToken(ctx context.Context, id uuid.UUID, token string) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.ledger.SetCorrelationToken(ctx, id, token)
}

// describe builds the payment description from the catalog. A catalog outage
// degrades to a generic description.
func (s *Service) describe(ctx context.Context, tt domain.TicketType) string {
	if s.catalog == nil {
		return "Ticket purchase"
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	ev, err := s.catalog.GetEvent(ctx, tt.EventID)
	if err != nil || ev.Title == "" {
		s.logger.WithError(err).WithField("event_id", tt.EventID).Warn("event lookup failed, using generic description")
		return "Ticket purchase"
	}
	return "Ticket purchase for " + ev.Title
}

// failPending moves p from pending to failed. On error the purchase stays
// pending and the sweep picks it up.
func (s *Service) failPending(ctx context.Context, p domain.Purchase, reason domain.FailureReason) {
	ctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	change := domain.StatusChange{
		From:   domain.StatusPending,
		To:     domain.StatusFailed,
		Reason: ptr(reason),
		At:     s.now(),
	}
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		if err := tx.TransitionPurchase(ctx, p.ID, change); err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseFailed, p.Apply(change), change.At))
	})
	if err != nil {
		s.logger.WithError(err).WithField("purchase_id", p.ID).Error("failed to mark purchase failed, left for sweep")
	}
}

package purchase

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/shopspring/decimal"
)

// Outcome classifies what a callback did. It is a metric label and an audit
// action suffix.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeFailed             Outcome = "failed"
	OutcomeUnknownResult      Outcome = "unknown_result"
	OutcomeOversold           Outcome = "oversold"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeConflictingReceipt Outcome = "conflicting_receipt"
	OutcomeLateSuccess        Outcome = "late_success"
	OutcomeIllegalTransition  Outcome = "illegal_transition"
	OutcomeMalformed          Outcome = "malformed"
	OutcomeOrphan             Outcome = "orphan"
	OutcomeAmbiguous          Outcome = "ambiguous"
	OutcomeError              Outcome = "error"
)

// Ack is the fixed acknowledgement returned to the provider for every
// callback, whatever its outcome.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var FixedAck = Ack{ResultCode: 0, ResultDesc: "Success"}

const maxRawPayload = 4096

// HandleCallback reconciles a provider callback and always acknowledges it.
// Problems surface in logs and the audit trail, never to the provider.
func (s *Service) HandleCallback(ctx context.Context, payload []byte) Ack {
	outcome, err := s.Reconcile(ctx, payload)
	if err != nil {
		observability.LoggerFrom(ctx, s.logger).WithError(err).WithField("outcome", outcome).Error("callback reconciliation failed")
	}
	return FixedAck
}

// Reconcile applies a callback to its purchase. It is idempotent: replays
// and concurrent duplicates settle a purchase at most once.
func (s *Service) Reconcile(ctx context.Context, payload []byte) (outcome Outcome, err error) {
	defer func() {
		observability.CallbacksTotal.WithLabelValues(string(outcome)).Inc()
	}()
	log := observability.LoggerFrom(ctx, s.logger)

	n, err := s.gateway.ParseNotification(payload)
	if err != nil {
		log.WithError(err).Warn("malformed payment callback")
		s.audit(ctx, domain.AuditEntry{
			Action:      "callback.malformed",
			NeedsReview: true,
			Details: map[string]interface{}{
				"error":   err.Error(),
				"payload": truncate(string(payload), maxRawPayload),
			},
		})
		return OutcomeMalformed, nil
	}
	log = log.WithFields(map[string]interface{}{
		"correlation_token": n.CorrelationToken,
		"result_code":       n.ResultCode,
		"outcome":           n.Outcome.String(),
	})

	p, found, err := s.locate(ctx, n)
	if err != nil {
		s.auditFailure(ctx, n, payload, err)
		return OutcomeError, err
	}
	if found != "" {
		log.WithField("match", string(found)).Warn("callback matched no purchase")
		s.audit(ctx, domain.AuditEntry{
			Action:           "callback." + string(found),
			CorrelationToken: n.CorrelationToken,
			ReceiptNumber:    n.ReceiptNumber,
			NeedsReview:      n.Outcome == domain.OutcomeSuccess || found == OutcomeAmbiguous,
			Details:          notificationDetails(n),
		})
		return found, nil
	}
	log = log.WithField("purchase_id", p.ID)

	if p.Status != domain.StatusPending {
		return s.handleNotPending(ctx, n, p), nil
	}

	switch n.Outcome {
	case domain.OutcomeSuccess:
		outcome, err = s.settle(ctx, n, p)
	case domain.OutcomeFailure:
		outcome, err = s.fail(ctx, n, p, domain.ReasonPaymentFailed, false)
	default:
		outcome, err = s.fail(ctx, n, p, domain.ReasonUnknownResultCode, true)
	}
	if err != nil {
		s.auditFailure(ctx, n, payload, err)
		return OutcomeError, err
	}
	log.WithField("result", string(outcome)).Info("callback reconciled")
	return outcome, nil
}

// locate finds the purchase a notification refers to. A non-empty Outcome
// means no purchase could be chosen.
func (s *Service) locate(ctx context.Context, n domain.PaymentNotification) (domain.Purchase, Outcome, error) {
	if n.CorrelationToken == "" {
		return s.locateByPhone(ctx, n)
	}

	var p domain.Purchase
	op := func() error {
		lookupCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		var err error
		p, err = s.ledger.FindPurchaseByCorrelation(lookupCtx, n.CorrelationToken)
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	// The callback can race the commit of the correlation token.
	err := backoff.Retry(op, backoff.WithContext(s.relookup(), ctx))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Purchase{}, OutcomeOrphan, nil
	}
	if err != nil {
		return domain.Purchase{}, "", err
	}
	return p, "", nil
}

func (s *Service) locateByPhone(ctx context.Context, n domain.PaymentNotification) (domain.Purchase, Outcome, error) {
	if !s.phoneFallback || n.Phone == "" {
		return domain.Purchase{}, OutcomeOrphan, nil
	}
	phone, err := domain.NormalizePhone(n.Phone, s.countryCode)
	if err != nil {
		return domain.Purchase{}, OutcomeOrphan, nil
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	pending, err := s.ledger.FindPendingByPhone(ctx, phone)
	if err != nil {
		return domain.Purchase{}, "", err
	}
	switch len(pending) {
	case 0:
		return domain.Purchase{}, OutcomeOrphan, nil
	case 1:
		return pending[0], "", nil
	default:
		return domain.Purchase{}, OutcomeAmbiguous, nil
	}
}

// handleNotPending deals with callbacks for purchases that already left
// pending. Nothing is mutated.
func (s *Service) handleNotPending(ctx context.Context, n domain.PaymentNotification, p domain.Purchase) Outcome {
	log := observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
		"purchase_id": p.ID,
		"status":      string(p.Status),
	})

	success := n.Outcome == domain.OutcomeSuccess
	sameReceipt := p.ReceiptNumber != nil && *p.ReceiptNumber == n.ReceiptNumber

	var outcome Outcome
	var review bool
	switch {
	case success && sameReceipt:
		log.Info("duplicate callback ignored")
		return OutcomeDuplicate
	case !success && p.Status == domain.StatusFailed:
		log.Info("duplicate failure callback ignored")
		return OutcomeDuplicate
	case success && p.Status == domain.StatusFailed:
		// Money was taken for a purchase we already failed; it needs a
		// manual refund.
		outcome, review = OutcomeLateSuccess, true
	case success:
		outcome, review = OutcomeConflictingReceipt, true
	default:
		outcome = OutcomeIllegalTransition
	}

	log.WithField("receipt_number", n.ReceiptNumber).Warn("callback for settled purchase: ", string(outcome))
	details := notificationDetails(n)
	details["status"] = string(p.Status)
	if p.ReceiptNumber != nil {
		details["stored_receipt"] = *p.ReceiptNumber
	}
	s.audit(ctx, domain.AuditEntry{
		Action:           "callback." + string(outcome),
		PurchaseID:       &p.ID,
		BuyerID:          &p.BuyerID,
		CorrelationToken: n.CorrelationToken,
		ReceiptNumber:    n.ReceiptNumber,
		NeedsReview:      review,
		Details:          details,
	})
	return outcome
}

// settle completes p in one serializable transaction: status, sold count,
// commission and outbox row commit together or not at all.
func (s *Service) settle(ctx context.Context, n domain.PaymentNotification, p domain.Purchase) (Outcome, error) {
	if n.HasAmount && !n.Amount.Equal(requestedAmount(p)) {
		observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
			"purchase_id": p.ID,
			"expected":    requestedAmount(p).String(),
			"received":    n.Amount.String(),
		}).Warn("callback amount differs from purchase total")
		s.audit(ctx, domain.AuditEntry{
			Action:           "callback.amount_mismatch",
			PurchaseID:       &p.ID,
			BuyerID:          &p.BuyerID,
			CorrelationToken: n.CorrelationToken,
			ReceiptNumber:    n.ReceiptNumber,
			NeedsReview:      true,
			Details:          notificationDetails(n),
		})
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var outcome Outcome
	var current domain.Purchase
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		outcome = ""
		locked, err := tx.LockPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		current = locked
		if locked.Status != domain.StatusPending {
			return nil
		}

		tt, err := tx.LockTicketType(ctx, locked.TicketTypeID)
		if err != nil {
			return err
		}
		now := s.now()
		receipt := n.ReceiptNumber

		if !domain.HasHeadroom(tt, locked.Quantity) {
			change := domain.StatusChange{
				From:          domain.StatusPending,
				To:            domain.StatusFailed,
				Reason:        ptr(domain.ReasonOversoldAtSettlement),
				ReceiptNumber: &receipt,
				NeedsReview:   true,
				At:            now,
			}
			if err := tx.TransitionPurchase(ctx, locked.ID, change); err != nil {
				return err
			}
			outcome = OutcomeOversold
			return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseOversold, locked.Apply(change), now))
		}

		if err := tx.IncrementSold(ctx, tt.ID, locked.Quantity); err != nil {
			return err
		}
		change := domain.StatusChange{
			From:          domain.StatusPending,
			To:            domain.StatusCompleted,
			ReceiptNumber: &receipt,
			At:            now,
		}
		if err := tx.TransitionPurchase(ctx, locked.ID, change); err != nil {
			return err
		}
		completed := locked.Apply(change)
		if err := tx.InsertCommission(ctx, s.calculator.Compute(completed, now)); err != nil {
			return err
		}
		outcome = OutcomeCompleted
		return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseCompleted, completed, now))
	})
	if err != nil {
		return OutcomeError, errors.Wrapf(err, "settle purchase %s", p.ID)
	}

	if outcome == "" {
		// A concurrent duplicate settled it first.
		return s.handleNotPending(ctx, n, current), nil
	}
	if outcome == OutcomeOversold {
		observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
			"purchase_id":    p.ID,
			"ticket_type_id": p.TicketTypeID,
			"receipt_number": n.ReceiptNumber,
		}).Error("payment received but ticket type is sold out")
		s.audit(ctx, domain.AuditEntry{
			Action:           "settlement.oversold",
			PurchaseID:       &p.ID,
			BuyerID:          &p.BuyerID,
			CorrelationToken: n.CorrelationToken,
			ReceiptNumber:    n.ReceiptNumber,
			NeedsReview:      true,
			Details:          map[string]interface{}{"quantity": p.Quantity, "total_amount": p.TotalAmount.StringFixed(2)},
		})
	}
	return outcome, nil
}

func (s *Service) fail(ctx context.Context, n domain.PaymentNotification, p domain.Purchase, reason domain.FailureReason, review bool) (Outcome, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var moved bool
	var current domain.Purchase
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		moved = false
		locked, err := tx.LockPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		current = locked
		if locked.Status != domain.StatusPending {
			return nil
		}
		change := domain.StatusChange{
			From:        domain.StatusPending,
			To:          domain.StatusFailed,
			Reason:      ptr(reason),
			NeedsReview: review,
			At:          s.now(),
		}
		if err := tx.TransitionPurchase(ctx, locked.ID, change); err != nil {
			return err
		}
		moved = true
		return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseFailed, locked.Apply(change), change.At))
	})
	if err != nil {
		return OutcomeError, errors.Wrapf(err, "fail purchase %s", p.ID)
	}
	if !moved {
		return s.handleNotPending(ctx, n, current), nil
	}

	if reason == domain.ReasonUnknownResultCode {
		s.audit(ctx, domain.AuditEntry{
			Action:           "callback.unknown_result",
			PurchaseID:       &p.ID,
			BuyerID:          &p.BuyerID,
			CorrelationToken: n.CorrelationToken,
			NeedsReview:      true,
			Details:          notificationDetails(n),
		})
		return OutcomeUnknownResult, nil
	}
	return OutcomeFailed, nil
}

func (s *Service) auditFailure(ctx context.Context, n domain.PaymentNotification, payload []byte, err error) {
	details := notificationDetails(n)
	details["error"] = err.Error()
	details["payload"] = truncate(string(payload), maxRawPayload)
	s.audit(ctx, domain.AuditEntry{
		Action:           "callback.error",
		CorrelationToken: n.CorrelationToken,
		ReceiptNumber:    n.ReceiptNumber,
		NeedsReview:      true,
		Details:          details,
	})
}

// requestedAmount is what the payer was asked for: the total rounded up to
// whole units.
func requestedAmount(p domain.Purchase) decimal.Decimal {
	return p.TotalAmount.Ceil()
}

func notificationDetails(n domain.PaymentNotification) map[string]interface{} {
	d := map[string]interface{}{
		"result_code":         n.ResultCode,
		"result_desc":         n.ResultDesc,
		"merchant_request_id": n.MerchantRequestID,
	}
	if n.Phone != "" {
		d["phone"] = n.Phone
	}
	if n.HasAmount {
		d["amount"] = n.Amount.String()
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

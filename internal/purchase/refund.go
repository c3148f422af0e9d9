package purchase

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

// RequestRefund moves a completed purchase to refund_requested when the
// requester owns it and the event has not started. Inventory and commission
// are left as they are; the reversal happens downstream.
func (s *Service) RequestRefund(ctx context.Context, purchaseID, requesterID uuid.UUID) (domain.Purchase, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	p, err := s.ledger.GetPurchase(ctx, purchaseID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.BuyerID != requesterID || p.Status != domain.StatusCompleted {
		// ownership and state fail before the event time is needed
		return domain.Purchase{}, domain.CheckRefundable(p, requesterID, time.Time{}, s.now())
	}
	start, err := s.eventStart(ctx, p)
	if err != nil {
		return domain.Purchase{}, err
	}
	if err := domain.CheckRefundable(p, requesterID, start, s.now()); err != nil {
		return domain.Purchase{}, err
	}

	var updated domain.Purchase
	err = s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		locked, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := domain.CheckRefundable(locked, requesterID, start, now); err != nil {
			return err
		}
		change := domain.StatusChange{
			From: domain.StatusCompleted,
			To:   domain.StatusRefundRequested,
			At:   now,
		}
		if err := tx.TransitionPurchase(ctx, locked.ID, change); err != nil {
			return err
		}
		updated = locked.Apply(change)
		return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseRefundRequested, updated, now))
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
		"purchase_id": purchaseID,
		"buyer_id":    requesterID,
	}).Info("refund requested")
	return updated, nil
}

func (s *Service) eventStart(ctx context.Context, p domain.Purchase) (time.Time, error) {
	tt, err := s.ledger.GetTicketType(ctx, p.TicketTypeID)
	if err != nil {
		return time.Time{}, err
	}
	if s.catalog == nil {
		return time.Time{}, errors.New("event catalog not configured")
	}
	ev, err := s.catalog.GetEvent(ctx, tt.EventID)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "load event %s", tt.EventID)
	}
	return ev.StartsAt(s.eventTimezone)
}

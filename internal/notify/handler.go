// Package notify reacts to purchase events relayed from the outbox: ticket
// confirmations for completed purchases and operator escalations for
// purchases that need money returned.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/campus-ticket-payments/internal/adapters/rabbit"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

// RoutingPattern binds the notifier queue to every purchase event.
const RoutingPattern = "purchase.#"

// Deduper remembers handled message ids; the redis Cache implements it.
type Deduper interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

type PurchaseEvent struct {
	PurchaseID    uuid.UUID             `json:"purchase_id"`
	BuyerID       uuid.UUID             `json:"buyer_id"`
	TicketTypeID  uuid.UUID             `json:"ticket_type_id"`
	Quantity      int64                 `json:"quantity"`
	TotalAmount   string                `json:"total_amount"`
	Status        domain.PurchaseStatus `json:"status"`
	FailureReason *domain.FailureReason `json:"failure_reason,omitempty"`
	ReceiptNumber *string               `json:"receipt_number,omitempty"`
	At            time.Time             `json:"at"`
}

type Handler struct {
	logger  observability.Logger
	auditor domain.Auditor
	deduper Deduper
	seenTTL time.Duration
}

func NewHandler(logger observability.Logger, auditor domain.Auditor, deduper Deduper) *Handler {
	return &Handler{logger: logger, auditor: auditor, deduper: deduper, seenTTL: 24 * time.Hour}
}

// Handle processes one delivery. A body that cannot be decoded is marked
// rabbit.ErrPoison; any other error leaves the message to be redelivered.
func (h *Handler) Handle(ctx context.Context, d amqp.Delivery) (err error) {
	log := h.logger.WithFields(map[string]interface{}{
		"message_id":  d.MessageId,
		"routing_key": d.RoutingKey,
	})

	var evt PurchaseEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		log.WithError(err).Error("undecodable purchase event")
		return errors.Mark(errors.Wrap(err, "decode purchase event"), rabbit.ErrPoison)
	}
	log = log.WithField("purchase_id", evt.PurchaseID)

	if !h.firstDelivery(ctx, d.MessageId, log) {
		log.Debug("duplicate delivery skipped")
		return nil
	}
	defer func() {
		if err != nil {
			h.forget(ctx, d.MessageId, log)
		}
	}()

	switch d.RoutingKey {
	case domain.EventPurchaseCompleted:
		log.WithFields(map[string]interface{}{
			"buyer_id":       evt.BuyerID,
			"quantity":       evt.Quantity,
			"total_amount":   evt.TotalAmount,
			"receipt_number": deref(evt.ReceiptNumber),
		}).Info("ticket purchase confirmed")
		return h.auditor.Record(ctx, h.entry("notify.ticket_confirmed", evt, false))
	case domain.EventPurchaseOversold:
		log.WithField("receipt_number", deref(evt.ReceiptNumber)).Error("paid purchase could not be fulfilled, refund required")
		return h.auditor.Record(ctx, h.entry("notify.oversold_escalation", evt, true))
	case domain.EventPurchaseRefundRequested:
		log.WithField("buyer_id", evt.BuyerID).Info("refund requested, reversal pending")
		return h.auditor.Record(ctx, h.entry("notify.refund_reversal", evt, true))
	case domain.EventPurchaseFailed:
		log.WithField("reason", deref(evt.FailureReason)).Info("purchase failed")
		return nil
	default:
		log.Debug("ignoring event")
		return nil
	}
}

// firstDelivery reports whether messageID has not been handled yet. Without a
// deduper, or when it is unreachable, every delivery is handled.
func (h *Handler) firstDelivery(ctx context.Context, messageID string, log observability.Logger) bool {
	if h.deduper == nil || messageID == "" {
		return true
	}
	ok, err := h.deduper.AcquireLock(ctx, "notified:"+messageID, messageID, h.seenTTL)
	if err != nil {
		log.WithError(err).Warn("dedupe store unavailable")
		return true
	}
	return ok
}

// forget drops the marker set by firstDelivery so a redelivery of a message
// whose side effect failed is handled again.
func (h *Handler) forget(ctx context.Context, messageID string, log observability.Logger) {
	if h.deduper == nil || messageID == "" {
		return
	}
	if err := h.deduper.ReleaseLock(context.WithoutCancel(ctx), "notified:"+messageID, messageID); err != nil {
		log.WithError(err).Warn("failed to clear dedupe marker")
	}
}

func (h *Handler) entry(action string, evt PurchaseEvent, review bool) domain.AuditEntry {
	details := map[string]interface{}{
		"ticket_type_id": evt.TicketTypeID.String(),
		"quantity":       evt.Quantity,
		"total_amount":   evt.TotalAmount,
		"status":         string(evt.Status),
	}
	if evt.FailureReason != nil {
		details["failure_reason"] = string(*evt.FailureReason)
	}
	return domain.AuditEntry{
		Action:        action,
		PurchaseID:    &evt.PurchaseID,
		BuyerID:       &evt.BuyerID,
		ReceiptNumber: deref(evt.ReceiptNumber),
		NeedsReview:   review,
		Details:       details,
	}
}

func deref[T ~string](v *T) string {
	if v == nil {
		return ""
	}
	return string(*v)
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type PurchaseStatus string

const (
	StatusPending         PurchaseStatus = "pending"
	StatusCompleted       PurchaseStatus = "completed"
	StatusFailed          PurchaseStatus = "failed"
	StatusRefundRequested PurchaseStatus = "refund_requested"
)

func ParseStatus(s string) (PurchaseStatus, error) {
	switch st := PurchaseStatus(s); st {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefundRequested:
		return st, nil
	}
	return "", errors.WithHintf(ErrInvalidInput, "unknown purchase status %q", s)
}

type FailureReason string

const (
	ReasonGatewayRejected      FailureReason = "gateway_rejected"
	ReasonGatewayTransport     FailureReason = "gateway_transport"
	ReasonPaymentFailed        FailureReason = "payment_failed"
	ReasonUnknownResultCode    FailureReason = "unknown_result_code"
	ReasonOversoldAtSettlement FailureReason = "oversold_at_settlement"
	ReasonExpired              FailureReason = "expired"
)

var transitions = map[PurchaseStatus][]PurchaseStatus{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefundRequested},
}

// CanTransition reports whether from -> to is an edge of the purchase state
// machine. Terminal states only leave via completed -> refund_requested.
func CanTransition(from, to PurchaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition for any edge outside the
// state machine.
func CheckTransition(from, to PurchaseStatus) error {
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	return nil
}

// StatusChange describes a compare-and-swap status update on a purchase.
type StatusChange struct {
	From          PurchaseStatus
	To            PurchaseStatus
	Reason        *FailureReason
	ReceiptNumber *string
	NeedsReview   bool
	At            time.Time
}

func NewPurchase(buyerID uuid.UUID, r Reservation, phone string, now time.Time) Purchase {
	return Purchase{
		ID:           uuid.New(),
		BuyerID:      buyerID,
		TicketTypeID: r.TicketTypeID,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		TotalAmount:  r.TotalAmount,
		PayerPhone:   phone,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type purchaseEventPayload struct {
	PurchaseID    uuid.UUID      `json:"purchase_id"`
	BuyerID       uuid.UUID      `json:"buyer_id"`
	TicketTypeID  uuid.UUID      `json:"ticket_type_id"`
	Quantity      int64          `json:"quantity"`
	TotalAmount   string         `json:"total_amount"`
	Status        PurchaseStatus `json:"status"`
	FailureReason *FailureReason `json:"failure_reason,omitempty"`
	ReceiptNumber *string        `json:"receipt_number,omitempty"`
	At            time.Time      `json:"at"`
}

// PurchaseEvent builds the outbox record announcing p's new state. The dedupe
// key is stable per purchase and event type so relays can drop repeats.
func PurchaseEvent(eventType string, p Purchase, at time.Time) OutboxEvent {
	payload, _ := json.Marshal(purchaseEventPayload{
		PurchaseID:    p.ID,
		BuyerID:       p.BuyerID,
		TicketTypeID:  p.TicketTypeID,
		Quantity:      p.Quantity,
		TotalAmount:   p.TotalAmount.StringFixed(2),
		Status:        p.Status,
		FailureReason: p.FailureReason,
		ReceiptNumber: p.ReceiptNumber,
		At:            at,
	})
	return OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "purchase",
		AggregateID:   p.ID,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     eventType + ":" + p.ID.String(),
	}
}

// Apply returns p with change applied. It does not validate the edge.
func (p Purchase) Apply(change StatusChange) Purchase {
	p.Status = change.To
	p.UpdatedAt = change.At
	if change.Reason != nil {
		p.FailureReason = change.Reason
	}
	if change.ReceiptNumber != nil {
		p.ReceiptNumber = change.ReceiptNumber
	}
	if change.NeedsReview {
		p.NeedsReview = true
	}
	if change.To == StatusCompleted {
		at := change.At
		p.CompletedAt = &at
	}
	return p
}

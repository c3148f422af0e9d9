package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketType struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	Name      string
	Price     decimal.Decimal
	Quantity  int64
	SoldCount int64
	SaleStart time.Time
	SaleEnd   *time.Time
	CreatedAt time.Time
}

// Remaining is the number of tickets not yet settled. It is advisory until
// settlement re-checks it under lock.
func (t TicketType) Remaining() int64 {
	return t.Quantity - t.SoldCount
}

type Purchase struct {
	ID               uuid.UUID
	BuyerID          uuid.UUID
	TicketTypeID     uuid.UUID
	Quantity         int64
	UnitPrice        decimal.Decimal
	TotalAmount      decimal.Decimal
	PayerPhone       string
	CorrelationToken *string
	ReceiptNumber    *string
	Status           PurchaseStatus
	FailureReason    *FailureReason
	NeedsReview      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

type Commission struct {
	ID              uuid.UUID
	PurchaseID      uuid.UUID
	FeeRate         decimal.Decimal
	FeeAmount       decimal.Decimal
	OrganizerAmount decimal.Decimal
	PayoutStatus    PayoutStatus
	PayoutDate      *time.Time
	CreatedAt       time.Time
}

// EventSchedule is the part of a catalog event this service reads.
type EventSchedule struct {
	ID          uuid.UUID
	Title       string
	Date        string // YYYY-MM-DD
	StartTime   string // HH:MM
	Timezone    string
	OrganizerID uuid.UUID
}

// OutboxEvent is announced to the message broker after the transaction that
// wrote it commits.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	DedupeKey     string
}

const (
	EventPurchaseCompleted       = "purchase.completed"
	EventPurchaseFailed          = "purchase.failed"
	EventPurchaseOversold        = "purchase.oversold"
	EventPurchaseRefundRequested = "purchase.refund_requested"
)

// AuditEntry is an append-only record for operators. NeedsReview entries form
// the manual reconciliation queue.
type AuditEntry struct {
	Action           string
	PurchaseID       *uuid.UUID
	BuyerID          *uuid.UUID
	CorrelationToken string
	ReceiptNumber    string
	NeedsReview      bool
	Details          map[string]interface{}
}

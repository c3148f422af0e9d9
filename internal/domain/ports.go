package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the durable store for ticket types, purchases and commissions.
// Reads outside InTx see committed state only.
type Ledger interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetTicketType(ctx context.Context, id uuid.UUID) (TicketType, error)
	CreatePurchase(ctx context.Context, p Purchase) error
	SetCorrelationToken(ctx context.Context, purchaseID uuid.UUID, token string) error
	GetPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	FindPurchaseByCorrelation(ctx context.Context, token string) (Purchase, error)
	FindPendingByPhone(ctx context.Context, phone string) ([]Purchase, error)
	ListPurchasesByBuyer(ctx context.Context, buyerID uuid.UUID, status *PurchaseStatus) ([]Purchase, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Purchase, error)
	GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (Commission, error)
}

// LedgerTx is the row-locking view used inside a serializable transaction.
type LedgerTx interface {
	LockPurchase(ctx context.Context, id uuid.UUID) (Purchase, error)
	LockTicketType(ctx context.Context, id uuid.UUID) (TicketType, error)
	IncrementSold(ctx context.Context, ticketTypeID uuid.UUID, qty int64) error
	// TransitionPurchase applies change only if the row is still in change.From.
	TransitionPurchase(ctx context.Context, id uuid.UUID, change StatusChange) error
	InsertCommission(ctx context.Context, c Commission) error
	InsertOutbox(ctx context.Context, evt OutboxEvent) error
}

// EventCatalog reads event schedules owned by the event-management service.
type EventCatalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (EventSchedule, error)
}

// Auditor appends operator-facing audit records.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry) error
}

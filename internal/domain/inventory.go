package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reservation is the priced plan for a purchase. It holds no inventory.
type Reservation struct {
	TicketTypeID uuid.UUID
	Quantity     int64
	UnitPrice    decimal.Decimal
	TotalAmount  decimal.Decimal
}

// CheckAndPlan validates a purchase request against the ticket type's sale
// window and headroom. sold_count is not touched: headroom is re-verified at
// settlement under lock.
func CheckAndPlan(tt TicketType, qty int64, now time.Time) (Reservation, error) {
	if qty < 1 {
		return Reservation{}, errors.WithHint(ErrInvalidInput, "quantity must be at least 1")
	}
	if !InSaleWindow(tt, now) {
		return Reservation{}, errors.WithHint(ErrOutsideSaleWindow, "tickets are not on sale at this time")
	}
	if remaining := tt.Remaining(); remaining < qty {
		return Reservation{}, errors.WithHintf(ErrSoldOut, "only %d tickets remaining", max(remaining, 0))
	}
	return Reservation{
		TicketTypeID: tt.ID,
		Quantity:     qty,
		UnitPrice:    tt.Price,
		TotalAmount:  tt.Price.Mul(decimal.NewFromInt(qty)),
	}, nil
}

// InSaleWindow reports now ∈ [sale_start, sale_end), with an open end when
// SaleEnd is nil.
func InSaleWindow(tt TicketType, now time.Time) bool {
	if now.Before(tt.SaleStart) {
		return false
	}
	return tt.SaleEnd == nil || now.Before(*tt.SaleEnd)
}

// HasHeadroom is the settlement-time check: sold + qty <= quantity.
func HasHeadroom(tt TicketType, qty int64) bool {
	return tt.SoldCount+qty <= tt.Quantity
}

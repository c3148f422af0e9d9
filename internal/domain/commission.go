package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the minor-unit precision of KES amounts.
const CurrencyPlaces int32 = 2

// FeeRatePlaces is the precision of the stored fee_rate column, DECIMAL(5, 4).
const FeeRatePlaces int32 = 4

// Calculator derives the platform fee and organizer payout for a completed
// purchase. The rate is fixed at construction and snapshotted onto every
// Commission it produces.
type Calculator struct {
	rate   decimal.Decimal
	places int32
}

func NewCalculator(rate decimal.Decimal, places int32) (Calculator, error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return Calculator{}, errors.Newf("fee rate %s outside [0, 1]", rate)
	}
	if !rate.Equal(rate.Round(FeeRatePlaces)) {
		return Calculator{}, errors.Newf("fee rate %s has more than %d decimal places", rate, FeeRatePlaces)
	}
	return Calculator{rate: rate, places: places}, nil
}

func (c Calculator) Rate() decimal.Decimal {
	return c.rate
}

// Compute rounds the fee half away from zero and derives the organizer share
// by subtraction, so fee + organizer == total exactly.
func (c Calculator) Compute(p Purchase, now time.Time) Commission {
	fee := p.TotalAmount.Mul(c.rate).Round(c.places)
	return Commission{
		ID:              uuid.New(),
		PurchaseID:      p.ID,
		FeeRate:         c.rate,
		FeeAmount:       fee,
		OrganizerAmount: p.TotalAmount.Sub(fee),
		PayoutStatus:    PayoutPending,
		CreatedAt:       now,
	}
}

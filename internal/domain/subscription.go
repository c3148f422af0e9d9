package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type Plan struct {
	ID         string
	Name       string
	MonthlyFee decimal.Decimal
}

var Plans = map[string]Plan{
	"basic":   {ID: "basic", Name: "Basic Plan", MonthlyFee: decimal.RequireFromString("200.00")},
	"premium": {ID: "premium", Name: "Premium Plan", MonthlyFee: decimal.RequireFromString("500.00")},
}

// Subscription is an organizer plan. It shares the ledger store with
// purchases but has its own lifecycle.
type Subscription struct {
	ID           uuid.UUID
	SubscriberID uuid.UUID
	Plan         string
	MonthlyFee   decimal.Decimal
	StartAt      time.Time
	EndAt        time.Time
	Status       SubscriptionStatus
	CreatedAt    time.Time
}

// NewSubscription snapshots the plan fee for months starting at start.
func NewSubscription(subscriber uuid.UUID, planID string, months int, start time.Time) (Subscription, error) {
	plan, ok := Plans[planID]
	if !ok {
		return Subscription{}, errors.WithHintf(ErrInvalidInput, "unknown plan %q", planID)
	}
	if months < 1 {
		return Subscription{}, errors.WithHint(ErrInvalidInput, "months must be at least 1")
	}
	return Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriber,
		Plan:         plan.ID,
		MonthlyFee:   plan.MonthlyFee,
		StartAt:      start,
		EndAt:        start.AddDate(0, months, 0),
		Status:       SubscriptionActive,
		CreatedAt:    start,
	}, nil
}

func (s Subscription) IsActive(now time.Time) bool {
	return s.Status == SubscriptionActive && !now.Before(s.StartAt) && !now.After(s.EndAt)
}

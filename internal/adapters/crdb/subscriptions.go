package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
)

func (r *Repository) CreateSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, subscriber_id, plan, monthly_fee, start_at, end_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.SubscriberID, s.Plan, s.MonthlyFee, s.StartAt, s.EndAt, string(s.Status), s.CreatedAt)
	return mapPgError(err)
}

// GetActiveSubscription returns the latest-ending active subscription that
// covers now.
func (r *Repository) GetActiveSubscription(ctx context.Context, subscriberID uuid.UUID, now time.Time) (domain.Subscription, error) {
	var s domain.Subscription
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, subscriber_id, plan, monthly_fee, start_at, end_at, status, created_at
		FROM subscriptions
		WHERE subscriber_id = $1 AND status = 'active' AND start_at <= $2 AND end_at >= $2
		ORDER BY end_at DESC LIMIT 1
	`, subscriberID, now).Scan(&s.ID, &s.SubscriberID, &s.Plan, &s.MonthlyFee, &s.StartAt, &s.EndAt, &status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscription{}, errors.WithHint(domain.ErrNotFound, "no active subscription")
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	s.Status = domain.SubscriptionStatus(status)
	return s, nil
}

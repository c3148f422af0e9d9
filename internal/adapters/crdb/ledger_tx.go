package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
)

type ledgerTx struct {
	tx pgx.Tx
}

func (l *ledgerTx) LockPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	return scanPurchase(l.tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id))
}

func (l *ledgerTx) LockTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	return scanTicketType(l.tx.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id))
}

// IncrementSold fails with ErrOversoldAtSettlement when qty would push
// sold_count past quantity. The guard lives in the WHERE clause so the row
// check constraint is never the first line of defence.
func (l *ledgerTx) IncrementSold(ctx context.Context, ticketTypeID uuid.UUID, qty int64) error {
	result, err := l.tx.Exec(ctx, `
		UPDATE ticket_types SET sold_count = sold_count + $2
		WHERE id = $1 AND sold_count + $2 <= quantity
	`, ticketTypeID, qty)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrOversoldAtSettlement, "ticket type %s", ticketTypeID)
	}
	return nil
}

func (l *ledgerTx) TransitionPurchase(ctx context.Context, id uuid.UUID, change domain.StatusChange) error {
	if err := domain.CheckTransition(change.From, change.To); err != nil {
		return err
	}
	var reason *string
	if change.Reason != nil {
		r := string(*change.Reason)
		reason = &r
	}
	result, err := l.tx.Exec(ctx, `
		UPDATE purchases SET
			status = $3,
			failure_reason = COALESCE($4, failure_reason),
			receipt_number = COALESCE($5, receipt_number),
			needs_review = needs_review OR $6,
			updated_at = $7,
			completed_at = CASE WHEN $3 = 'completed' THEN $7 ELSE completed_at END
		WHERE id = $1 AND status = $2
	`, id, string(change.From), string(change.To), reason, change.ReceiptNumber, change.NeedsReview, change.At)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrIllegalTransition, "purchase %s is no longer %s", id, change.From)
	}
	return nil
}

func (l *ledgerTx) InsertCommission(ctx context.Context, c domain.Commission) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO commissions (id, purchase_id, fee_rate, fee_amount, organizer_amount, payout_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.PurchaseID, c.FeeRate, c.FeeAmount, c.OrganizerAmount, string(c.PayoutStatus), c.CreatedAt)
	return err
}

func (l *ledgerTx) InsertOutbox(ctx context.Context, evt domain.OutboxEvent) error {
	return insertOutbox(ctx, l.tx, evt)
}

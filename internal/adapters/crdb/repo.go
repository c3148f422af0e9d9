package crdb

import (
	"context"
	_ "embed"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"

	defaultTxRetries = 5
)

//go:embed schema.sql
var schema string

type Repository struct {
	pool       *pgxpool.Pool
	txRetries  uint64
	newBackOff func() backoff.BackOff
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:      pool,
		txRetries: defaultTxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction. Serialization failures are
// retried with exponential backoff; fn must therefore be safe to re-run.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	op := func() error {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrSerializationFailure) {
			observability.DBTxRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.txRetries), ctx)
	return backoff.Retry(op, b)
}

func (r *Repository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return mapPgError(err)
	}

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

// InTx adapts WithTx to the domain's row-locking view.
func (r *Repository) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Mark(err, domain.ErrSerializationFailure)
		case UniqueViolationCode:
			return errors.Mark(err, domain.ErrConflict)
		}
	}
	return err
}

func (r *Repository) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	return scanTicketType(r.pool.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id))
}

// CreateTicketType is used by the event-management collaborator and tests.
func (r *Repository) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_types (id, event_id, name, price, quantity, sold_count, sale_start, sale_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tt.ID, tt.EventID, tt.Name, tt.Price, tt.Quantity, tt.SoldCount, tt.SaleStart, tt.SaleEnd)
	return mapPgError(err)
}

func (r *Repository) CreatePurchase(ctx context.Context, p domain.Purchase) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO purchases (id, buyer_id, ticket_type_id, quantity, unit_price, total_amount, payer_phone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.BuyerID, p.TicketTypeID, p.Quantity, p.UnitPrice, p.TotalAmount, p.PayerPhone, string(p.Status), p.CreatedAt)
	return mapPgError(err)
}

func (r *Repository) SetCorrelationToken(ctx context.Context, purchaseID uuid.UUID, token string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE purchases SET correlation_token = $2, updated_at = now()
		WHERE id = $1 AND correlation_token IS NULL
	`, purchaseID, token)
	if err != nil {
		return mapPgError(err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
}

func (r *Repository) FindPurchaseByCorrelation(ctx context.Context, token string) (domain.Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE correlation_token = $1`, token))
}

func (r *Repository) FindPendingByPhone(ctx context.Context, phone string) ([]domain.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE payer_phone = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`, phone)
	if err != nil {
		return nil, err
	}
	return collectPurchases(rows)
}

func (r *Repository) ListPurchasesByBuyer(ctx context.Context, buyerID uuid.UUID, status *domain.PurchaseStatus) ([]domain.Purchase, error) {
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE buyer_id = $1 AND ($2::STRING IS NULL OR status = $2)
		ORDER BY created_at DESC
	`, buyerID, statusArg)
	if err != nil {
		return nil, err
	}
	return collectPurchases(rows)
}

func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at ASC LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectPurchases(rows)
}

func (r *Repository) GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (domain.Commission, error) {
	var c domain.Commission
	var payout string
	err := r.pool.QueryRow(ctx, `
		SELECT id, purchase_id, fee_rate, fee_amount, organizer_amount, payout_status, payout_date, created_at
		FROM commissions WHERE purchase_id = $1
	`, purchaseID).Scan(&c.ID, &c.PurchaseID, &c.FeeRate, &c.FeeAmount, &c.OrganizerAmount, &payout, &c.PayoutDate, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Commission{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Commission{}, err
	}
	c.PayoutStatus = domain.PayoutStatus(payout)
	return c, nil
}

const ticketTypeColumns = `id, event_id, name, price, quantity, sold_count, sale_start, sale_end, created_at`

func scanTicketType(row pgx.Row) (domain.TicketType, error) {
	var tt domain.TicketType
	err := row.Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Price, &tt.Quantity, &tt.SoldCount, &tt.SaleStart, &tt.SaleEnd, &tt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketType{}, errors.WithHint(domain.ErrNotFound, "ticket type not found")
	}
	return tt, err
}

const purchaseColumns = `id, buyer_id, ticket_type_id, quantity, unit_price, total_amount, payer_phone,
	correlation_token, receipt_number, status, failure_reason, needs_review, created_at, updated_at, completed_at`

func scanPurchase(row pgx.Row) (domain.Purchase, error) {
	var p domain.Purchase
	var status string
	var reason *string
	err := row.Scan(&p.ID, &p.BuyerID, &p.TicketTypeID, &p.Quantity, &p.UnitPrice, &p.TotalAmount, &p.PayerPhone,
		&p.CorrelationToken, &p.ReceiptNumber, &status, &reason, &p.NeedsReview, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, errors.WithHint(domain.ErrNotFound, "purchase not found")
	}
	if err != nil {
		return domain.Purchase{}, err
	}
	p.Status = domain.PurchaseStatus(status)
	if reason != nil {
		fr := domain.FailureReason(*reason)
		p.FailureReason = &fr
	}
	return p, nil
}

func collectPurchases(rows pgx.Rows) ([]domain.Purchase, error) {
	defer rows.Close()
	var purchases []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

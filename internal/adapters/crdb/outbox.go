package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED, FAILED
	DedupeKey     string
}

// A repeated dedupe key is ignored so a replayed transaction cannot announce
// the same state change twice.
func insertOutbox(ctx context.Context, tx pgx.Tx, evt domain.OutboxEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, evt.ID, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, evt.DedupeKey)
	return err
}

// ProcessOutbox claims up to limit NEW rows with FOR UPDATE SKIP LOCKED and
// hands each to publish. Rows that publish are marked PUBLISHED in the same
// transaction; the first failure stops the batch and leaves the rest NEW.
func (r *Repository) ProcessOutbox(ctx context.Context, limit int, publish func(ctx context.Context, rec OutboxRecord) error) (int, error) {
	var published int
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		published = 0
		records, err := claimOutbox(ctx, tx, limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := publish(ctx, rec); err != nil {
				break
			}
			if err := markPublished(ctx, tx, rec.ID, time.Now().UTC()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

func claimOutbox(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func markPublished(ctx context.Context, tx pgx.Tx, id uuid.UUID, publishedAt time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1`, id, publishedAt)
	return err
}

// OldestUnpublished returns the creation time of the oldest NEW row, or the
// zero time when the outbox is drained.
func (r *Repository) OldestUnpublished(ctx context.Context) (time.Time, error) {
	var oldest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT min(created_at) FROM outbox WHERE status = 'NEW'`).Scan(&oldest)
	if err != nil || oldest == nil {
		return time.Time{}, err
	}
	return *oldest, nil
}

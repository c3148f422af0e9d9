package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
	now    func() time.Time
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("payment_audit"),
		logger: logger,
		now:    time.Now,
	}
}

type AuditLog struct {
	ID               string    `bson:"_id"`
	Action           string    `bson:"action"`
	PurchaseID       string    `bson:"purchase_id,omitempty"`
	BuyerID          string    `bson:"buyer_id,omitempty"`
	CorrelationToken string    `bson:"correlation_token,omitempty"`
	ReceiptNumber    string    `bson:"receipt_number,omitempty"`
	NeedsReview      bool      `bson:"needs_review"`
	Timestamp        time.Time `bson:"timestamp"`
	Data             bson.M    `bson:"data,omitempty"`
}

var _ domain.Auditor = (*AuditLogger)(nil)

func (a *AuditLogger) Record(ctx context.Context, entry domain.AuditEntry) error {
	log := AuditLog{
		ID:               uuid.NewString(),
		Action:           entry.Action,
		CorrelationToken: entry.CorrelationToken,
		ReceiptNumber:    entry.ReceiptNumber,
		NeedsReview:      entry.NeedsReview,
		Timestamp:        a.now().UTC(),
		Data:             bson.M(entry.Details),
	}
	if entry.PurchaseID != nil {
		log.PurchaseID = entry.PurchaseID.String()
	}
	if entry.BuyerID != nil {
		log.BuyerID = entry.BuyerID.String()
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.WithError(err).WithField("action", entry.Action).Error("failed to insert audit log")
		return err
	}
	return nil
}

// NeedsReview lists the manual reconciliation queue, newest first.
func (a *AuditLogger) NeedsReview(ctx context.Context, limit int64) ([]AuditLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cur, err := a.coll.Find(ctx, bson.M{"needs_review": true}, opts)
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// EnsureIndexes creates the indexes the review queue and purchase lookups use.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "needs_review", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "purchase_id", Value: 1}}},
	})
	return err
}

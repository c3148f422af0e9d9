package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CatalogRepository reads the events collection written by the event
// management service.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID          string    `bson:"_id"`
	Title       string    `bson:"title"`
	Venue       string    `bson:"venue,omitempty"`
	Date        string    `bson:"date"`
	StartTime   string    `bson:"start_time"`
	Timezone    string    `bson:"timezone,omitempty"`
	OrganizerID string    `bson:"organizer_id"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

var _ domain.EventCatalog = (*CatalogRepository)(nil)

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (domain.EventSchedule, error) {
	var event EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.EventSchedule{}, errors.WithHintf(domain.ErrNotFound, "event %s not found", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("event_id", id).Error("failed to get event")
		return domain.EventSchedule{}, err
	}

	organizer, err := uuid.Parse(event.OrganizerID)
	if err != nil {
		c.logger.WithField("event_id", id).Warn("event has no valid organizer id")
	}
	return domain.EventSchedule{
		ID:          id,
		Title:       event.Title,
		Date:        event.Date,
		StartTime:   event.StartTime,
		Timezone:    event.Timezone,
		OrganizerID: organizer,
	}, nil
}

// CreateEvent seeds the catalog. Production events are written by the event
// management service.
func (c *CatalogRepository) CreateEvent(ctx context.Context, event EventDoc) error {
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	_, err := c.coll.InsertOne(ctx, event)
	if err != nil {
		c.logger.WithError(err).Error("failed to create event")
		return err
	}
	return nil
}

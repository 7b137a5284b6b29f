package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CatalogRepository reads and writes the route/schedule/bus catalog.
// Queries are pure; availability is never derived from here.
type CatalogRepository struct {
	schedules *mongo.Collection
	buses     *mongo.Collection
	logger    observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		schedules: db.Collection("schedules"),
		buses:     db.Collection("bus_assignments"),
		logger:    logger,
	}
}

type ScheduleDoc struct {
	ID            uuid.UUID `bson:"_id"`
	Origin        string    `bson:"origin"`
	Destination   string    `bson:"destination"`
	TravelDate    string    `bson:"travel_date"`
	DepartureTime time.Time `bson:"departure_time"`
	ArrivalTime   time.Time `bson:"arrival_time"`
	Price         string    `bson:"price"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type BusAssignmentDoc struct {
	ID          uuid.UUID `bson:"_id"`
	ScheduleID  uuid.UUID `bson:"schedule_id"`
	Company     string    `bson:"company"`
	PlateNumber string    `bson:"plate_number"`
	TotalSeats  int       `bson:"total_seats"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (c *CatalogRepository) SearchSchedules(ctx context.Context, origin, destination, date string) ([]ScheduleDoc, error) {
	cur, err := c.schedules.Find(ctx, bson.M{
		"origin":      origin,
		"destination": destination,
		"travel_date": date,
	})
	if err != nil {
		c.logger.Error("failed to search schedules", err)
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []ScheduleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *CatalogRepository) GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDoc, error) {
	var doc ScheduleDoc
	err := c.schedules.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		c.logger.Error("failed to get schedule", err)
		return nil, err
	}
	return &doc, nil
}

func (c *CatalogRepository) ListBusAssignments(ctx context.Context, scheduleID uuid.UUID) ([]BusAssignmentDoc, error) {
	cur, err := c.buses.Find(ctx, bson.M{"schedule_id": scheduleID})
	if err != nil {
		c.logger.Error("failed to list bus assignments", err)
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []BusAssignmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *CatalogRepository) GetBusAssignment(ctx context.Context, id uuid.UUID) (*BusAssignmentDoc, error) {
	var doc BusAssignmentDoc
	err := c.buses.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		c.logger.Error("failed to get bus assignment", err)
		return nil, err
	}
	return &doc, nil
}

func (c *CatalogRepository) CreateSchedule(ctx context.Context, doc ScheduleDoc) error {
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = time.Now()
	_, err := c.schedules.InsertOne(ctx, doc)
	if err != nil {
		c.logger.Error("failed to create schedule", err)
	}
	return err
}

func (c *CatalogRepository) CreateBusAssignment(ctx context.Context, doc BusAssignmentDoc) error {
	doc.CreatedAt = time.Now()
	_, err := c.buses.InsertOne(ctx, doc)
	if err != nil {
		c.logger.Error("failed to create bus assignment", err)
	}
	return err
}

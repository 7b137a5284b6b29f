package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        uuid.UUID `bson:"_id"`
	Action    string    `bson:"action"`
	SessionID uuid.UUID `bson:"session_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, sessionID uuid.UUID, data map[string]interface{}) error {
	log := AuditLog{
		ID:        uuid.New(),
		Action:    action,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert audit log", err)
		return err
	}
	return nil
}

func (a *AuditLogger) LogHold(ctx context.Context, hold domain.SeatHold) error {
	data := map[string]interface{}{
		"hold_id":           hold.ID,
		"schedule_id":       hold.ScheduleID,
		"bus_assignment_id": hold.BusAssignmentID,
		"seat_no":           hold.SeatNumber,
		"expires_at":        hold.ExpiresAt.Format(time.RFC3339),
	}
	return a.LogEvent(ctx, "hold.created", hold.SessionID, data)
}

func (a *AuditLogger) LogBooking(ctx context.Context, b domain.Booking) error {
	data := map[string]interface{}{
		"booking_id":  b.ID,
		"schedule_id": b.ScheduleID,
		"seat_no":     b.SeatNumber,
		"price_paid":  b.PricePaid.String(),
		"payment_ref": b.PaymentRef,
		"status":      b.Status,
	}
	return a.LogEvent(ctx, "booking.created", b.SessionID, data)
}

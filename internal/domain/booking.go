package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is fixed for this system.
const Currency = "TZS"

const (
	BookingConfirmed = "CONFIRMED"
)

// PaymentProof is the opaque result of a successful charge. Reference is
// the dedupe key for confirm retries.
type PaymentProof struct {
	Reference string
	Method    string
}

// Booking is the durable result of consuming a hold. Never mutated by
// the reservation core after creation.
type Booking struct {
	ID              uuid.UUID
	ScheduleID      uuid.UUID
	BusAssignmentID uuid.UUID
	SeatNumber      string
	SessionID       uuid.UUID
	Passenger       PassengerRecord
	PricePaid       decimal.Decimal
	Currency        string
	PaymentRef      string
	Status          string
	CreatedAt       time.Time
}

// NewBooking snapshots a consumed hold, its passenger and the settled
// price. Discount is subtracted before PricePaid is stored.
func NewBooking(hold SeatHold, passenger PassengerRecord, proof PaymentProof, price, discount decimal.Decimal) Booking {
	return Booking{
		ID:              uuid.New(),
		ScheduleID:      hold.ScheduleID,
		BusAssignmentID: hold.BusAssignmentID,
		SeatNumber:      hold.SeatNumber,
		SessionID:       hold.SessionID,
		Passenger:       passenger,
		PricePaid:       price.Sub(discount),
		Currency:        Currency,
		PaymentRef:      proof.Reference,
		Status:          BookingConfirmed,
		CreatedAt:       time.Now(),
	}
}

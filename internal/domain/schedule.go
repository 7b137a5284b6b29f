package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScheduleRef identifies one departure. Immutable once fetched.
type ScheduleRef struct {
	ID            uuid.UUID
	Origin        string
	Destination   string
	TravelDate    string // YYYY-MM-DD
	DepartureTime time.Time
	ArrivalTime   time.Time
	Price         decimal.Decimal
}

// BusAssignment is a specific bus operating a ScheduleRef. Several may
// exist per schedule (different operators).
type BusAssignment struct {
	ID          uuid.UUID
	ScheduleID  uuid.UUID
	Company     string
	PlateNumber string
	TotalSeats  int
}

// SeatMap holds the seat numbers currently unavailable on one bus
// assignment, split by why they are unavailable.
type SeatMap struct {
	Held   []string
	Booked []string
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldExpired  HoldStatus = "EXPIRED"
	HoldReleased HoldStatus = "RELEASED"
	HoldConsumed HoldStatus = "CONSUMED"
)

// SeatHold is a time-limited exclusive claim on one seat. At most one
// hold may be ACTIVE for a (schedule, bus assignment, seat) tuple at any
// instant; the booking API is the authority, the client never assumes
// success without confirmation.
type SeatHold struct {
	ID              uuid.UUID
	ScheduleID      uuid.UUID
	BusAssignmentID uuid.UUID
	SeatNumber      string
	SessionID       uuid.UUID
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	Status          HoldStatus
}

func NewSeatHold(scheduleID, busID uuid.UUID, seat string, sessionID uuid.UUID, ttl time.Duration) SeatHold {
	now := time.Now()
	return SeatHold{
		ID:              uuid.New(),
		ScheduleID:      scheduleID,
		BusAssignmentID: busID,
		SeatNumber:      seat,
		SessionID:       sessionID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		Status:          HoldActive,
	}
}

// TimeRemaining reports how long the hold stays usable, zero or negative
// once expires_at has passed.
func (h SeatHold) TimeRemaining(now time.Time) time.Duration {
	return h.ExpiresAt.Sub(now)
}

// Usable reports whether the hold can still back a booking at the given
// instant. expires_at is authoritative regardless of recorded status.
func (h SeatHold) Usable(now time.Time) bool {
	return h.Status == HoldActive && h.TimeRemaining(now) > 0
}

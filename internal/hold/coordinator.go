package hold

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
)

// AcquireRequest carries one seat-hold attempt. IdempotencyKey is
// deterministic per (session, seat) so a retried request resolves to the
// same hold instead of a conflicting second one.
type AcquireRequest struct {
	ScheduleID      uuid.UUID
	BusAssignmentID uuid.UUID
	SeatNumber      string
	SessionID       uuid.UUID
	IdempotencyKey  string
}

// API is the slice of the booking collaborator the coordinator needs.
// AcquireSeat returns domain.ErrConflict when the seat is ACTIVE under
// another session.
type API interface {
	AcquireSeat(ctx context.Context, req AcquireRequest) (domain.SeatHold, error)
	ReleaseSeat(ctx context.Context, holdID uuid.UUID) error
}

// Coordinator places and releases time-limited seat holds. It never
// assumes success without explicit confirmation from the API; conflict is
// a normal outcome, not a fault.
type Coordinator struct {
	api    API
	logger observability.Logger
	now    func() time.Time
}

func NewCoordinator(api API, logger observability.Logger) *Coordinator {
	return &Coordinator{api: api, logger: logger, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// IdempotencyKey derives the client-generated token attached to every
// acquire attempt for a given session and seat.
func IdempotencyKey(sessionID uuid.UUID, seat string) string {
	return sessionID.String() + ":" + seat
}

// Acquire attempts to hold one seat. If prev is a still-relevant hold
// owned by this session it is released first (seat-switch semantics) so
// holds are never leaked.
func (c *Coordinator) Acquire(ctx context.Context, prev *domain.SeatHold, scheduleID, busID uuid.UUID, seat string, sessionID uuid.UUID) (domain.SeatHold, error) {
	if seat == "" || scheduleID == uuid.Nil || busID == uuid.Nil || sessionID == uuid.Nil {
		return domain.SeatHold{}, domain.ErrInvalidInput
	}
	if prev != nil && prev.Status == domain.HoldActive {
		if err := c.Release(ctx, *prev); err != nil {
			return domain.SeatHold{}, errors.Wrap(err, "release previous hold")
		}
	}

	held, err := c.api.AcquireSeat(ctx, AcquireRequest{
		ScheduleID:      scheduleID,
		BusAssignmentID: busID,
		SeatNumber:      seat,
		SessionID:       sessionID,
		IdempotencyKey:  IdempotencyKey(sessionID, seat),
	})
	if errors.Is(err, domain.ErrConflict) {
		observability.HoldConflicts.Inc()
		return domain.SeatHold{}, domain.ErrConflict
	}
	if err != nil {
		return domain.SeatHold{}, err
	}
	observability.HoldsAcquired.Inc()
	c.logger.WithField("seat", seat).WithField("hold_id", held.ID).Info("seat held")
	return held, nil
}

// Release is always safe to call: releasing an expired, already-released
// or unknown hold is a no-op. Holds already consumed by a booking are
// left alone.
func (c *Coordinator) Release(ctx context.Context, h domain.SeatHold) error {
	if h.Status == domain.HoldConsumed || h.Status == domain.HoldReleased {
		return nil
	}
	err := c.api.ReleaseSeat(ctx, h.ID)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return errors.Wrap(err, "release hold")
}

// TimeRemaining reports how long the hold stays usable.
func (c *Coordinator) TimeRemaining(h domain.SeatHold) time.Duration {
	return h.TimeRemaining(c.now())
}

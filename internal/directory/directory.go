package directory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
)

// API is the slice of the booking collaborator the directory needs.
type API interface {
	SearchSchedules(ctx context.Context, origin, destination, date string) ([]domain.ScheduleRef, error)
	ListBusAssignments(ctx context.Context, scheduleID uuid.UUID) ([]domain.BusAssignment, error)
	SeatAvailability(ctx context.Context, scheduleID, busID uuid.UUID) (domain.SeatMap, error)
}

// Directory answers read-only schedule and seat-map queries. Errors are
// reported, never retried here; the caller decides whether to re-search.
type Directory struct {
	api    API
	logger observability.Logger
}

func NewDirectory(api API, logger observability.Logger) *Directory {
	return &Directory{api: api, logger: logger}
}

func (d *Directory) Search(ctx context.Context, origin, destination, date string) ([]domain.ScheduleRef, error) {
	origin = strings.TrimSpace(origin)
	destination = strings.TrimSpace(destination)
	if origin == "" || destination == "" || date == "" {
		return nil, domain.ErrInvalidInput
	}
	refs, err := d.api.SearchSchedules(ctx, origin, destination, date)
	if err != nil {
		d.logger.WithField("origin", origin).WithField("destination", destination).Error("schedule search failed", err)
		return nil, err
	}
	return refs, nil
}

func (d *Directory) BusAssignments(ctx context.Context, scheduleID uuid.UUID) ([]domain.BusAssignment, error) {
	if scheduleID == uuid.Nil {
		return nil, domain.ErrInvalidInput
	}
	return d.api.ListBusAssignments(ctx, scheduleID)
}

// SeatAvailability returns the currently held and booked seat sets for
// one bus assignment, for seat-map rendering.
func (d *Directory) SeatAvailability(ctx context.Context, scheduleID, busID uuid.UUID) (domain.SeatMap, error) {
	if scheduleID == uuid.Nil || busID == uuid.Nil {
		return domain.SeatMap{}, domain.ErrInvalidInput
	}
	return d.api.SeatAvailability(ctx, scheduleID, busID)
}

package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/directory"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
)

type stubAPI struct {
	schedules []domain.ScheduleRef
	buses     []domain.BusAssignment
	seatMap   domain.SeatMap
	err       error
}

func (s *stubAPI) SearchSchedules(_ context.Context, _, _, _ string) ([]domain.ScheduleRef, error) {
	return s.schedules, s.err
}

func (s *stubAPI) ListBusAssignments(_ context.Context, _ uuid.UUID) ([]domain.BusAssignment, error) {
	return s.buses, s.err
}

func (s *stubAPI) SeatAvailability(_ context.Context, _, _ uuid.UUID) (domain.SeatMap, error) {
	return s.seatMap, s.err
}

func TestDirectory_SearchValidatesInput(t *testing.T) {
	dir := directory.NewDirectory(&stubAPI{}, observability.NewNopLogger())

	cases := []struct{ origin, destination, date string }{
		{"", "Dodoma", "2026-09-01"},
		{"Moshi", "", "2026-09-01"},
		{"Moshi", "Dodoma", ""},
		{"   ", "Dodoma", "2026-09-01"},
	}
	for _, tc := range cases {
		if _, err := dir.Search(context.Background(), tc.origin, tc.destination, tc.date); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Search(%q,%q,%q): expected ErrInvalidInput, got %v", tc.origin, tc.destination, tc.date, err)
		}
	}
}

func TestDirectory_SearchTrimsAndPassesThrough(t *testing.T) {
	api := &stubAPI{schedules: []domain.ScheduleRef{{ID: uuid.New(), Origin: "Moshi"}}}
	dir := directory.NewDirectory(api, observability.NewNopLogger())

	refs, err := dir.Search(context.Background(), " Moshi ", "Dodoma", "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected one schedule, got %d", len(refs))
	}
}

func TestDirectory_SearchErrorIsSurfaced(t *testing.T) {
	wantErr := errors.New("upstream down")
	dir := directory.NewDirectory(&stubAPI{err: wantErr}, observability.NewNopLogger())

	if _, err := dir.Search(context.Background(), "Moshi", "Dodoma", "2026-09-01"); !errors.Is(err, wantErr) {
		t.Errorf("expected upstream error surfaced, got %v", err)
	}
}

func TestDirectory_BusAssignmentsRequiresID(t *testing.T) {
	dir := directory.NewDirectory(&stubAPI{}, observability.NewNopLogger())
	if _, err := dir.BusAssignments(context.Background(), uuid.Nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDirectory_SeatAvailability(t *testing.T) {
	api := &stubAPI{seatMap: domain.SeatMap{Held: []string{"3"}, Booked: []string{"1", "2"}}}
	dir := directory.NewDirectory(api, observability.NewNopLogger())

	sm, err := dir.SeatAvailability(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if len(sm.Held) != 1 || len(sm.Booked) != 2 {
		t.Errorf("unexpected seat map: %+v", sm)
	}

	if _, err := dir.SeatAvailability(context.Background(), uuid.Nil, uuid.New()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for nil schedule id, got %v", err)
	}
}

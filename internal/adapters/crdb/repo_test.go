package crdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/safiri/busline/internal/adapters/crdb"
	"github.com/safiri/busline/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRepo(t *testing.T, ctx context.Context) (*crdb.Repository, *pgxpool.Pool) {
	t.Helper()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { crdbContainer.Terminate(ctx) })

	dsn, err := crdbContainer.Endpoint(ctx, "postgresql")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, dsn+"/busline?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE DATABASE IF NOT EXISTS busline;
		CREATE TABLE IF NOT EXISTS busline.holds (
			id UUID PRIMARY KEY,
			schedule_id UUID,
			bus_assignment_id UUID,
			seat_no TEXT,
			session_id UUID,
			acquired_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			status TEXT CHECK (status IN ('ACTIVE', 'EXPIRED', 'RELEASED', 'CONSUMED')),
			UNIQUE (schedule_id, bus_assignment_id, seat_no) WHERE status = 'ACTIVE'
		);
		CREATE TABLE IF NOT EXISTS busline.bookings (
			id UUID PRIMARY KEY,
			schedule_id UUID,
			bus_assignment_id UUID,
			seat_no TEXT,
			session_id UUID,
			passenger_json JSONB,
			price_paid NUMERIC,
			currency TEXT,
			payment_ref TEXT,
			status TEXT,
			created_at TIMESTAMPTZ,
			UNIQUE (session_id, payment_ref)
		);
	`)
	if err != nil {
		t.Fatal(err)
	}

	return crdb.NewRepository(pool), pool
}

func testHold(sessionID uuid.UUID, seat string) domain.SeatHold {
	now := time.Now()
	return domain.SeatHold{
		ID:              uuid.New(),
		ScheduleID:      uuid.New(),
		BusAssignmentID: uuid.New(),
		SeatNumber:      seat,
		SessionID:       sessionID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(5 * time.Minute),
		Status:          domain.HoldActive,
	}
}

func TestRepository_CreateHoldConflict(t *testing.T) {
	ctx := context.Background()
	repo, _ := startRepo(t, ctx)

	hold := testHold(uuid.New(), "12")
	err := repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.CreateHold(ctx, tx, hold)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rival := testHold(uuid.New(), hold.SeatNumber)
	rival.ScheduleID = hold.ScheduleID
	rival.BusAssignmentID = hold.BusAssignmentID
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.CreateHold(ctx, tx, rival)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict error, got %v", err)
	}

	// The active hold for the tuple resolves to the original owner, so a
	// conflicting retry can be matched against its session.
	active, err := repo.GetActiveHold(ctx, hold.ScheduleID, hold.BusAssignmentID, hold.SeatNumber)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != hold.ID || active.SessionID != hold.SessionID {
		t.Errorf("expected the original hold, got %+v", active)
	}

	// Release frees the seat for a new hold.
	if err := repo.ReleaseHold(ctx, hold.ID, domain.HoldReleased); err != nil {
		t.Fatal(err)
	}
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.CreateHold(ctx, tx, rival)
	})
	if err != nil {
		t.Errorf("expected insert after release, got %v", err)
	}

	// Releasing again reports not found for idempotent callers.
	if err := repo.ReleaseHold(ctx, hold.ID, domain.HoldReleased); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double release, got %v", err)
	}

	if _, err := repo.GetActiveHold(ctx, uuid.New(), uuid.New(), "99"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a free seat, got %v", err)
	}
}

func TestRepository_ConsumeHold(t *testing.T) {
	ctx := context.Background()
	repo, _ := startRepo(t, ctx)

	hold := testHold(uuid.New(), "7")
	err := repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.CreateHold(ctx, tx, hold)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.ConsumeHold(ctx, tx, hold.ID, time.Now())
	})
	if err != nil {
		t.Fatalf("expected consume to succeed, got %v", err)
	}

	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.ConsumeHold(ctx, tx, hold.ID, time.Now())
	})
	if !errors.Is(err, domain.ErrHoldExpired) {
		t.Errorf("expected ErrHoldExpired on consumed hold, got %v", err)
	}

	// A hold past its TTL cannot be consumed either.
	lapsed := testHold(uuid.New(), "8")
	lapsed.ExpiresAt = time.Now().Add(-time.Minute)
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.CreateHold(ctx, tx, lapsed)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		return repo.ConsumeHold(ctx, tx, lapsed.ID, time.Now())
	})
	if !errors.Is(err, domain.ErrHoldExpired) {
		t.Errorf("expected ErrHoldExpired on lapsed hold, got %v", err)
	}

	expired, err := repo.GetExpiredHolds(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != lapsed.ID {
		t.Errorf("expected the lapsed hold in the reap set, got %v", expired)
	}
}

func TestRepository_CreateBookingDedupe(t *testing.T) {
	ctx := context.Background()
	repo, _ := startRepo(t, ctx)

	sessionID := uuid.New()
	hold := testHold(sessionID, "12")
	passenger := domain.PassengerRecord{Name: "Asha Mrema", Email: "asha@example.com", Phone: "0712345678"}
	proof := domain.PaymentProof{Reference: "mp-001", Method: "mobile_money"}
	booking := domain.NewBooking(hold, passenger, proof, decimal.NewFromInt(45000), decimal.NewFromInt(5000))

	var inserted bool
	err := repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		_, inserted, err = repo.CreateBooking(ctx, tx, booking)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first create should insert")
	}

	// Same session and payment reference resolves to the original row.
	retry := domain.NewBooking(hold, passenger, proof, decimal.NewFromInt(45000), decimal.NewFromInt(5000))
	var dup domain.Booking
	err = repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		dup, inserted, err = repo.CreateBooking(ctx, tx, retry)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate create must not insert")
	}
	if dup.ID != booking.ID {
		t.Errorf("expected original booking %s, got %s", booking.ID, dup.ID)
	}

	fetched, err := repo.GetBookingByRef(ctx, sessionID, proof.Reference)
	if err != nil {
		t.Fatal(err)
	}
	if !fetched.PricePaid.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("expected price paid 40000, got %s", fetched.PricePaid)
	}
	if fetched.Passenger.Name != passenger.Name {
		t.Errorf("passenger did not round trip: %+v", fetched.Passenger)
	}

	page, err := repo.ListBookingsBySession(ctx, sessionID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("expected one booking for the session, got %d", len(page))
	}
}

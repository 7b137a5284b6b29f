package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}

	return tx.Commit(ctx)
}

// CreateHold inserts one seat hold. The partial unique index on
// (schedule_id, bus_assignment_id, seat_no) WHERE status = 'ACTIVE' is
// the authoritative guard: a zero-row insert means another session owns
// the seat and maps to domain.ErrConflict.
func (r *Repository) CreateHold(ctx context.Context, tx pgx.Tx, hold domain.SeatHold) error {
	result, err := tx.Exec(ctx, `
		INSERT INTO holds (id, schedule_id, bus_assignment_id, seat_no, session_id, acquired_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ACTIVE')
		ON CONFLICT (schedule_id, bus_assignment_id, seat_no) WHERE status = 'ACTIVE' DO NOTHING
	`, hold.ID, hold.ScheduleID, hold.BusAssignmentID, hold.SeatNumber, hold.SessionID, hold.AcquiredAt, hold.ExpiresAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *Repository) GetHold(ctx context.Context, holdID uuid.UUID) (domain.SeatHold, error) {
	var h domain.SeatHold
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, acquired_at, expires_at, status
		FROM holds WHERE id = $1
	`, holdID).Scan(&h.ID, &h.ScheduleID, &h.BusAssignmentID, &h.SeatNumber, &h.SessionID, &h.AcquiredAt, &h.ExpiresAt, &status)
	if err == pgx.ErrNoRows {
		return domain.SeatHold{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SeatHold{}, err
	}
	h.Status = domain.HoldStatus(status)
	return h, nil
}

// GetActiveHold returns the ACTIVE hold for a seat tuple, if any. The
// partial unique index guarantees at most one row matches.
func (r *Repository) GetActiveHold(ctx context.Context, scheduleID, busID uuid.UUID, seat string) (domain.SeatHold, error) {
	h := domain.SeatHold{Status: domain.HoldActive}
	err := r.pool.QueryRow(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, acquired_at, expires_at
		FROM holds
		WHERE schedule_id = $1 AND bus_assignment_id = $2 AND seat_no = $3 AND status = 'ACTIVE'
	`, scheduleID, busID, seat).Scan(&h.ID, &h.ScheduleID, &h.BusAssignmentID, &h.SeatNumber, &h.SessionID, &h.AcquiredAt, &h.ExpiresAt)
	if err == pgx.ErrNoRows {
		return domain.SeatHold{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SeatHold{}, err
	}
	return h, nil
}

// ReleaseHold moves an ACTIVE hold to RELEASED or EXPIRED. Holds that
// are already terminal report domain.ErrNotFound so callers can treat
// the release as an idempotent no-op.
func (r *Repository) ReleaseHold(ctx context.Context, holdID uuid.UUID, to domain.HoldStatus) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE holds SET status = $2 WHERE id = $1 AND status = 'ACTIVE'
	`, holdID, string(to))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ConsumeHold marks an unexpired ACTIVE hold CONSUMED inside the booking
// transaction. A zero-row update means the hold lapsed or was released,
// which surfaces as domain.ErrHoldExpired.
func (r *Repository) ConsumeHold(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, now time.Time) error {
	result, err := tx.Exec(ctx, `
		UPDATE holds SET status = 'CONSUMED'
		WHERE id = $1 AND status = 'ACTIVE' AND expires_at > $2
	`, holdID, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrHoldExpired
	}
	return nil
}

// CreateBooking inserts the booking, deduplicating on
// (session_id, payment_ref): a retried confirm returns the original
// booking instead of creating a second one.
func (r *Repository) CreateBooking(ctx context.Context, tx pgx.Tx, b domain.Booking) (domain.Booking, bool, error) {
	passengerJSON, err := json.Marshal(b.Passenger)
	if err != nil {
		return domain.Booking{}, false, errors.Wrap(err, "encode passenger")
	}
	result, err := tx.Exec(ctx, `
		INSERT INTO bookings (id, schedule_id, bus_assignment_id, seat_no, session_id, passenger_json, price_paid, currency, payment_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, payment_ref) DO NOTHING
	`, b.ID, b.ScheduleID, b.BusAssignmentID, b.SeatNumber, b.SessionID, passengerJSON, b.PricePaid.String(), b.Currency, b.PaymentRef, b.Status, b.CreatedAt)
	if err != nil {
		return domain.Booking{}, false, err
	}
	if result.RowsAffected() == 0 {
		existing, err := r.getBookingByPaymentRef(ctx, tx, b.SessionID, b.PaymentRef)
		if err != nil {
			return domain.Booking{}, false, err
		}
		return existing, false, nil
	}
	return b, true, nil
}

// GetBookingByRef looks a booking up by its dedupe pair.
func (r *Repository) GetBookingByRef(ctx context.Context, sessionID uuid.UUID, paymentRef string) (domain.Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, passenger_json, price_paid::TEXT, currency, payment_ref, status, created_at
		FROM bookings WHERE session_id = $1 AND payment_ref = $2
	`, sessionID, paymentRef)
	return scanBooking(row)
}

func (r *Repository) getBookingByPaymentRef(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, paymentRef string) (domain.Booking, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, passenger_json, price_paid::TEXT, currency, payment_ref, status, created_at
		FROM bookings WHERE session_id = $1 AND payment_ref = $2
	`, sessionID, paymentRef)
	return scanBooking(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	var passengerJSON []byte
	var price string
	err := row.Scan(&b.ID, &b.ScheduleID, &b.BusAssignmentID, &b.SeatNumber, &b.SessionID, &passengerJSON, &price, &b.Currency, &b.PaymentRef, &b.Status, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, err
	}
	if err := json.Unmarshal(passengerJSON, &b.Passenger); err != nil {
		return domain.Booking{}, errors.Wrap(err, "decode passenger")
	}
	b.PricePaid, err = decimal.NewFromString(price)
	if err != nil {
		return domain.Booking{}, errors.Wrap(err, "parse price")
	}
	return b, nil
}

// SeatAvailability returns the held and booked seat sets for one bus
// assignment. The two queries run concurrently.
func (r *Repository) SeatAvailability(ctx context.Context, scheduleID, busID uuid.UUID, now time.Time) (domain.SeatMap, error) {
	var sm domain.SeatMap
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, `
			SELECT seat_no FROM holds
			WHERE schedule_id = $1 AND bus_assignment_id = $2 AND status = 'ACTIVE' AND expires_at > $3
		`, scheduleID, busID, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var seat string
			if err := rows.Scan(&seat); err != nil {
				return err
			}
			sm.Held = append(sm.Held, seat)
		}
		return rows.Err()
	})
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, `
			SELECT seat_no FROM bookings
			WHERE schedule_id = $1 AND bus_assignment_id = $2 AND status = 'CONFIRMED'
		`, scheduleID, busID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var seat string
			if err := rows.Scan(&seat); err != nil {
				return err
			}
			sm.Booked = append(sm.Booked, seat)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return domain.SeatMap{}, err
	}
	return sm, nil
}

func (r *Repository) GetExpiredHolds(ctx context.Context, now time.Time) ([]domain.SeatHold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, acquired_at, expires_at
		FROM holds WHERE status = 'ACTIVE' AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []domain.SeatHold
	for rows.Next() {
		h := domain.SeatHold{Status: domain.HoldActive}
		if err := rows.Scan(&h.ID, &h.ScheduleID, &h.BusAssignmentID, &h.SeatNumber, &h.SessionID, &h.AcquiredAt, &h.ExpiresAt); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// ListBookingsBySession returns one page of a session's bookings, newest
// first.
func (r *Repository) ListBookingsBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, schedule_id, bus_assignment_id, seat_no, session_id, passenger_json, price_paid::TEXT, currency, payment_ref, status, created_at
		FROM bookings WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/safiri/busline/internal/directory"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/finalize"
	"github.com/safiri/busline/internal/hold"
	"github.com/safiri/busline/internal/observability"
	"github.com/safiri/busline/internal/passenger"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateIdle            State = "IDLE"
	StateSeatHeld        State = "SEAT_HELD"
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateConfirmed       State = "CONFIRMED"
	StateFailed          State = "FAILED"
	StateAborted         State = "ABORTED"
)

const (
	opSearch  = "search"
	opAcquire = "acquire"
	opConfirm = "confirm"
)

// FailReasonExpired marks sessions that lost their hold to the TTL.
const FailReasonExpired = "expired"

// Charger performs the opaque payment call. The reference it returns is
// the idempotency key for confirm retries.
type Charger interface {
	Charge(ctx context.Context, amount decimal.Decimal, method string) (domain.PaymentProof, error)
}

// Snapshot is a read-only view of the session for rendering.
type Snapshot struct {
	SessionID         uuid.UUID
	State             State
	Schedule          *domain.ScheduleRef
	Bus               *domain.BusAssignment
	Hold              *domain.SeatHold
	Passenger         *domain.PassengerRecord
	PaymentMethod     string
	Booking           *domain.Booking
	FailReason        string
	HoldTimeRemaining time.Duration
}

// Session drives one user's attempt to turn a seat selection into a
// booking: IDLE -> SEAT_HELD -> AWAITING_PAYMENT -> CONFIRMED, with
// FAILED and ABORTED exits. Operations are strictly sequential; each
// suspending operation carries an in-flight flag so a double submit is
// rejected rather than fired twice. Every exit from SEAT_HELD or
// AWAITING_PAYMENT other than CONFIRMED releases the hold.
type Session struct {
	id uuid.UUID

	mu            sync.Mutex
	state         State
	schedule      *domain.ScheduleRef
	bus           *domain.BusAssignment
	hold          *domain.SeatHold
	booking       *domain.Booking
	paymentMethod string
	pendingProof  *domain.PaymentProof
	discount      decimal.Decimal
	failReason    string
	inFlight      map[string]bool
	listeners     []func(Snapshot)

	dir     *directory.Directory
	coord   *hold.Coordinator
	agg     *passenger.Aggregator
	fin     *finalize.Finalizer
	charger Charger
	logger  observability.Logger
	now     func() time.Time
}

func NewSession(dir *directory.Directory, coord *hold.Coordinator, agg *passenger.Aggregator, fin *finalize.Finalizer, charger Charger, logger observability.Logger) *Session {
	return &Session{
		id:       uuid.New(),
		state:    StateIdle,
		inFlight: make(map[string]bool),
		discount: decimal.Zero,
		dir:      dir,
		coord:    coord,
		agg:      agg,
		fin:      fin,
		charger:  charger,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }

// OnTransition registers a callback invoked with a snapshot after every
// state change, so the UI can re-render without polling.
func (s *Session) OnTransition(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns the current read-only view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:     s.id,
		State:         s.state,
		Schedule:      s.schedule,
		Bus:           s.bus,
		Hold:          s.hold,
		PaymentMethod: s.paymentMethod,
		Booking:       s.booking,
		FailReason:    s.failReason,
	}
	if s.hold != nil {
		snap.HoldTimeRemaining = s.hold.TimeRemaining(s.now())
		if rec, ok := s.agg.Get(s.hold.SeatNumber); ok {
			snap.Passenger = &rec
		}
	}
	return snap
}

func (s *Session) transitionLocked(to State) (Snapshot, []func(Snapshot)) {
	from := s.state
	s.state = to
	observability.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.WithField("session_id", s.id).WithField("from", string(from)).WithField("to", string(to)).Info("session transition")
	listeners := make([]func(Snapshot), len(s.listeners))
	copy(listeners, s.listeners)
	return s.snapshotLocked(), listeners
}

func emit(snap Snapshot, listeners []func(Snapshot)) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Session) beginOp(op string, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[op] {
		return domain.ErrInFlight
	}
	ok := false
	for _, st := range allowed {
		if s.state == st {
			ok = true
			break
		}
	}
	if !ok {
		return errors.Wrapf(domain.ErrInvalidInput, "%s not allowed in state %s", op, s.state)
	}
	s.inFlight[op] = true
	return nil
}

func (s *Session) endOp(op string) {
	s.mu.Lock()
	s.inFlight[op] = false
	s.mu.Unlock()
}

// Search looks up schedules for an origin, destination and travel date.
// Allowed at any point; it does not touch the reservation state.
func (s *Session) Search(ctx context.Context, origin, destination, date string) ([]domain.ScheduleRef, error) {
	s.mu.Lock()
	if s.inFlight[opSearch] {
		s.mu.Unlock()
		return nil, domain.ErrInFlight
	}
	s.inFlight[opSearch] = true
	s.mu.Unlock()
	defer s.endOp(opSearch)

	return s.dir.Search(ctx, origin, destination, date)
}

// SelectSeat attempts to hold a seat on a bus assignment. From IDLE a
// conflict leaves the session in IDLE with the error surfaced; from
// SEAT_HELD the previous hold is released first (seat switch).
func (s *Session) SelectSeat(ctx context.Context, schedule domain.ScheduleRef, bus domain.BusAssignment, seat string) error {
	if err := s.beginOp(opAcquire, StateIdle, StateSeatHeld); err != nil {
		return err
	}
	defer s.endOp(opAcquire)

	s.mu.Lock()
	prev := s.hold
	s.mu.Unlock()

	held, err := s.coord.Acquire(ctx, prev, schedule.ID, bus.ID, seat, s.id)

	s.mu.Lock()
	if err != nil {
		// A failed switch has already released the previous hold; the
		// session holds nothing either way.
		s.hold = nil
		if prev != nil {
			s.agg.Remove(prev.SeatNumber)
		}
		var snap Snapshot
		var listeners []func(Snapshot)
		if s.state != StateIdle {
			snap, listeners = s.transitionLocked(StateIdle)
		}
		s.mu.Unlock()
		emit(snap, listeners)
		return err
	}
	if prev != nil {
		s.agg.Remove(prev.SeatNumber)
	}
	s.schedule = &schedule
	s.bus = &bus
	s.hold = &held
	snap, listeners := s.transitionLocked(StateSeatHeld)
	s.mu.Unlock()
	emit(snap, listeners)
	return nil
}

// SetPassenger validates and attaches the passenger record for the held
// seat. An invalid record surfaces field errors without a transition; a
// valid one moves the session to AWAITING_PAYMENT.
func (s *Session) SetPassenger(ctx context.Context, rec domain.PassengerRecord) error {
	s.mu.Lock()
	if s.state != StateSeatHeld {
		s.mu.Unlock()
		return errors.Wrapf(domain.ErrInvalidInput, "passenger entry not allowed in state %s", s.state)
	}
	if !s.hold.Usable(s.now()) {
		s.expireLocked(ctx)
		return domain.ErrHoldExpired
	}
	seat := s.hold.SeatNumber
	s.mu.Unlock()

	if _, err := s.agg.Set(seat, rec); err != nil {
		return err
	}

	s.mu.Lock()
	snap, listeners := s.transitionLocked(StateAwaitingPayment)
	s.mu.Unlock()
	emit(snap, listeners)
	return nil
}

// ChoosePaymentMethod records the user's payment method selection.
func (s *Session) ChoosePaymentMethod(method string) {
	s.mu.Lock()
	s.paymentMethod = method
	s.mu.Unlock()
}

// ApplyDiscount records a discount subtracted from the schedule price
// before charging.
func (s *Session) ApplyDiscount(d decimal.Decimal) {
	s.mu.Lock()
	s.discount = d
	s.mu.Unlock()
}

// Pay charges the fare and finalizes the booking. Payment failures keep
// the session in AWAITING_PAYMENT while the hold is alive, so a retry is
// possible; an expired hold fails the session with reason "expired".
func (s *Session) Pay(ctx context.Context) (domain.Booking, error) {
	if err := s.beginOp(opConfirm, StateAwaitingPayment); err != nil {
		return domain.Booking{}, err
	}
	defer s.endOp(opConfirm)

	s.mu.Lock()
	if s.hold == nil || s.schedule == nil {
		s.mu.Unlock()
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "no active hold recorded")
	}
	if !s.hold.Usable(s.now()) {
		s.expireLocked(ctx)
		return domain.Booking{}, domain.ErrHoldExpired
	}
	held := *s.hold
	price := s.schedule.Price
	discount := s.discount
	method := s.paymentMethod
	pending := s.pendingProof
	s.mu.Unlock()

	rec, ok := s.agg.Get(held.SeatNumber)
	if !ok {
		return domain.Booking{}, errors.Wrap(domain.ErrInvalidInput, "no passenger record")
	}

	var proof domain.PaymentProof
	if pending != nil {
		// A previous confirm failed after the charge went through;
		// reuse that proof so the customer is never charged twice.
		proof = *pending
	} else {
		var err error
		proof, err = s.charger.Charge(ctx, price.Sub(discount), method)
		if err != nil {
			return domain.Booking{}, errors.WithSecondaryError(errors.Wrap(domain.ErrPaymentFailed, "charge"), err)
		}
	}

	booking, err := s.fin.Confirm(ctx, held, rec, proof, price, discount)
	if errors.Is(err, domain.ErrHoldExpired) {
		s.mu.Lock()
		s.expireLocked(ctx)
		return domain.Booking{}, domain.ErrHoldExpired
	}
	if err != nil {
		// Retryable while the hold is alive. Reconciliation-required
		// errors pass through distinctly; they are never remapped. The
		// proof is kept so the retry reaches the dedupe path instead of
		// the gateway.
		s.mu.Lock()
		s.pendingProof = &proof
		s.mu.Unlock()
		return domain.Booking{}, err
	}

	s.mu.Lock()
	s.pendingProof = nil
	s.hold.Status = domain.HoldConsumed
	s.booking = &booking
	snap, listeners := s.transitionLocked(StateConfirmed)
	s.mu.Unlock()
	emit(snap, listeners)
	return booking, nil
}

// expireLocked fails the session with reason "expired" and releases the
// hold. Caller holds the mutex; it is released before returning.
func (s *Session) expireLocked(ctx context.Context) {
	held := s.hold
	s.failReason = FailReasonExpired
	snap, listeners := s.transitionLocked(StateFailed)
	s.mu.Unlock()
	if held != nil {
		if err := s.coord.Release(ctx, *held); err != nil {
			s.logger.WithField("hold_id", held.ID).Warn("release on expiry failed", err)
		}
	}
	emit(snap, listeners)
}

// Cancel abandons the attempt. The hold, if any, is always released;
// skipping release on an abort path would leak the seat until natural
// expiry.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSeatHeld && s.state != StateAwaitingPayment {
		s.mu.Unlock()
		return errors.Wrapf(domain.ErrInvalidInput, "cancel not allowed in state %s", s.state)
	}
	held := s.hold
	snap, listeners := s.transitionLocked(StateAborted)
	s.mu.Unlock()

	// Listeners learn about the abort even if the release below fails.
	emit(snap, listeners)
	if held != nil {
		if err := s.coord.Release(ctx, *held); err != nil {
			return err
		}
	}
	return nil
}

// Teardown is the explicit cleanup hook for navigation away. Unlike
// Cancel it is safe in every state.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	active := s.state == StateSeatHeld || s.state == StateAwaitingPayment
	s.mu.Unlock()
	if active {
		if err := s.Cancel(ctx); err != nil {
			s.logger.WithField("session_id", s.id).Warn("teardown cancel failed", err)
		}
	}
}

// Reset returns a terminal session to IDLE, dropping the hold snapshot,
// passenger records and booking reference.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.state != StateConfirmed && s.state != StateFailed && s.state != StateAborted {
		s.mu.Unlock()
		return errors.Wrapf(domain.ErrInvalidInput, "reset not allowed in state %s", s.state)
	}
	s.schedule = nil
	s.bus = nil
	s.hold = nil
	s.booking = nil
	s.paymentMethod = ""
	s.pendingProof = nil
	s.discount = decimal.Zero
	s.failReason = ""
	s.agg.Reset()
	snap, listeners := s.transitionLocked(StateIdle)
	s.mu.Unlock()
	emit(snap, listeners)
	return nil
}

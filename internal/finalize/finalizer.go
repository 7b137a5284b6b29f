package finalize

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
	"github.com/shopspring/decimal"
)

// API is the slice of the booking collaborator the finalizer needs.
// CreateBooking must be idempotent on (session_id, payment_ref) at the
// server side; the finalizer additionally deduplicates locally so a
// double-submitted confirm never even reaches the wire twice.
type API interface {
	CreateBooking(ctx context.Context, hold domain.SeatHold, passenger domain.PassengerRecord, proof domain.PaymentProof, pricePaid decimal.Decimal) (domain.Booking, error)
}

// Finalizer converts an ACTIVE hold plus payment proof into a booking,
// exactly once per (session, payment reference).
type Finalizer struct {
	api    API
	logger observability.Logger
	now    func() time.Time

	confirmed map[string]domain.Booking
}

func NewFinalizer(api API, logger observability.Logger) *Finalizer {
	return &Finalizer{
		api:       api,
		logger:    logger,
		now:       time.Now,
		confirmed: make(map[string]domain.Booking),
	}
}

// WithClock overrides the time source, for tests.
func (f *Finalizer) WithClock(now func() time.Time) *Finalizer {
	f.now = now
	return f
}

// Confirm commits a booking from a held seat. The expiry check happens
// here, at point of use: payment takes user-perceptible time and the
// hold may have lapsed between UI confirmation and this call.
//
// Errors: domain.ErrHoldExpired when the hold cannot back a booking any
// more; domain.ErrReconciliationRequired when the create call fails
// after payment nominally succeeded; the charge must not be silently
// discarded, and the hold may still be valid for a manual retry.
func (f *Finalizer) Confirm(ctx context.Context, hold domain.SeatHold, passenger domain.PassengerRecord, proof domain.PaymentProof, price, discount decimal.Decimal) (domain.Booking, error) {
	if proof.Reference == "" {
		return domain.Booking{}, domain.ErrInvalidInput
	}
	dedupe := hold.SessionID.String() + ":" + proof.Reference
	if b, ok := f.confirmed[dedupe]; ok {
		return b, nil
	}

	if !hold.Usable(f.now()) {
		return domain.Booking{}, domain.ErrHoldExpired
	}

	pricePaid := price.Sub(discount)
	booking, err := f.api.CreateBooking(ctx, hold, passenger, proof, pricePaid)
	if errors.Is(err, domain.ErrHoldExpired) {
		return domain.Booking{}, domain.ErrHoldExpired
	}
	if err != nil {
		f.logger.WithField("session_id", hold.SessionID).WithField("payment_ref", proof.Reference).Error("booking create failed after charge", err)
		// The sentinel goes in the unwrap chain so plain errors.Is sees
		// it; the cause rides along as the secondary error.
		return domain.Booking{}, errors.WithSecondaryError(errors.Wrap(domain.ErrReconciliationRequired, "create booking"), err)
	}

	f.confirmed[dedupe] = booking
	observability.BookingsConfirmed.Inc()
	return booking, nil
}

package finalize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/finalize"
	"github.com/safiri/busline/internal/observability"
	"github.com/shopspring/decimal"
)

type fakeBookingAPI struct {
	calls int
	err   error
}

func (f *fakeBookingAPI) CreateBooking(_ context.Context, hold domain.SeatHold, passenger domain.PassengerRecord, proof domain.PaymentProof, pricePaid decimal.Decimal) (domain.Booking, error) {
	f.calls++
	if f.err != nil {
		return domain.Booking{}, f.err
	}
	return domain.NewBooking(hold, passenger, proof, pricePaid, decimal.Zero), nil
}

func activeHold(now time.Time) domain.SeatHold {
	return domain.SeatHold{
		ID:              uuid.New(),
		ScheduleID:      uuid.New(),
		BusAssignmentID: uuid.New(),
		SeatNumber:      "12",
		SessionID:       uuid.New(),
		AcquiredAt:      now,
		ExpiresAt:       now.Add(5 * time.Minute),
		Status:          domain.HoldActive,
	}
}

func TestFinalizer_ConfirmComputesPricePaid(t *testing.T) {
	now := time.Now()
	api := &fakeBookingAPI{}
	fin := finalize.NewFinalizer(api, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	price := decimal.NewFromInt(45000)
	discount := decimal.NewFromInt(5000)
	booking, err := fin.Confirm(context.Background(), activeHold(now), domain.PassengerRecord{Name: "Asha"}, domain.PaymentProof{Reference: "ref-1", Method: "mobile_money"}, price, discount)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if !booking.PricePaid.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("expected price paid 40000, got %s", booking.PricePaid)
	}
	if booking.Currency != domain.Currency {
		t.Errorf("expected currency %s, got %s", domain.Currency, booking.Currency)
	}
}

func TestFinalizer_DuplicateProofIsDeduplicated(t *testing.T) {
	now := time.Now()
	api := &fakeBookingAPI{}
	fin := finalize.NewFinalizer(api, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	hold := activeHold(now)
	proof := domain.PaymentProof{Reference: "ref-dup", Method: "card"}
	price := decimal.NewFromInt(30000)

	first, err := fin.Confirm(context.Background(), hold, domain.PassengerRecord{}, proof, price, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	second, err := fin.Confirm(context.Background(), hold, domain.PassengerRecord{}, proof, price, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate confirm produced a second booking: %s vs %s", first.ID, second.ID)
	}
	if api.calls != 1 {
		t.Errorf("expected one API call, got %d", api.calls)
	}
}

func TestFinalizer_ExpiredHoldFailsFast(t *testing.T) {
	now := time.Now()
	api := &fakeBookingAPI{}
	fin := finalize.NewFinalizer(api, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	hold := activeHold(now)
	hold.ExpiresAt = now.Add(-time.Second)

	_, err := fin.Confirm(context.Background(), hold, domain.PassengerRecord{}, domain.PaymentProof{Reference: "r"}, decimal.NewFromInt(1000), decimal.Zero)
	if !errors.Is(err, domain.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired, got %v", err)
	}
	if api.calls != 0 {
		t.Errorf("expired hold must not reach the API, got %d calls", api.calls)
	}
}

func TestFinalizer_ServerExpiryMapsToHoldExpired(t *testing.T) {
	now := time.Now()
	api := &fakeBookingAPI{err: domain.ErrHoldExpired}
	fin := finalize.NewFinalizer(api, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	_, err := fin.Confirm(context.Background(), activeHold(now), domain.PassengerRecord{}, domain.PaymentProof{Reference: "r"}, decimal.NewFromInt(1000), decimal.Zero)
	if !errors.Is(err, domain.ErrHoldExpired) {
		t.Fatalf("expected ErrHoldExpired, got %v", err)
	}
}

func TestFinalizer_CreateFailureAfterChargeNeedsReconciliation(t *testing.T) {
	now := time.Now()
	api := &fakeBookingAPI{err: errors.New("connection reset")}
	fin := finalize.NewFinalizer(api, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	_, err := fin.Confirm(context.Background(), activeHold(now), domain.PassengerRecord{}, domain.PaymentProof{Reference: "r"}, decimal.NewFromInt(1000), decimal.Zero)
	if !errors.Is(err, domain.ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired, got %v", err)
	}
	if errors.Is(err, domain.ErrPaymentFailed) {
		t.Error("reconciliation error must stay distinct from payment failure")
	}
}

func TestFinalizer_MissingProofReference(t *testing.T) {
	now := time.Now()
	fin := finalize.NewFinalizer(&fakeBookingAPI{}, observability.NewNopLogger()).WithClock(func() time.Time { return now })

	_, err := fin.Confirm(context.Background(), activeHold(now), domain.PassengerRecord{}, domain.PaymentProof{}, decimal.NewFromInt(1000), decimal.Zero)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

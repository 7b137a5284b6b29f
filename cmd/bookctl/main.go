package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/safiri/busline/internal/apiclient"
	"github.com/safiri/busline/internal/config"
	"github.com/safiri/busline/internal/directory"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/finalize"
	"github.com/safiri/busline/internal/hold"
	"github.com/safiri/busline/internal/observability"
	"github.com/safiri/busline/internal/passenger"
	"github.com/safiri/busline/internal/session"
	"github.com/shopspring/decimal"
)

// bookctl drives one reservation session end to end against a running
// booking API: search, hold a seat, attach a passenger, pay.
func main() {
	origin := flag.String("from", "Moshi", "origin")
	destination := flag.String("to", "Dodoma", "destination")
	date := flag.String("date", "", "travel date (YYYY-MM-DD)")
	seat := flag.String("seat", "12", "seat number")
	name := flag.String("name", "", "passenger name")
	email := flag.String("email", "", "passenger email")
	phone := flag.String("phone", "", "passenger phone")
	boarding := flag.String("boarding", "", "boarding point")
	dropping := flag.String("dropping", "", "dropping point")
	flag.Parse()

	if *date == "" || *name == "" || *email == "" || *phone == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger()
	client := apiclient.NewClient(cfg.BookingAPIBase, logger)

	sess := session.NewSession(
		directory.NewDirectory(client, logger),
		hold.NewCoordinator(client, logger),
		passenger.NewAggregator(),
		finalize.NewFinalizer(client, logger),
		referenceCharger{},
		logger,
	)
	sess.OnTransition(func(snap session.Snapshot) {
		fmt.Printf("session %s -> %s\n", snap.SessionID, snap.State)
	})

	ctx := context.Background()
	defer sess.Teardown(ctx)

	schedules, err := sess.Search(ctx, *origin, *destination, *date)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	if len(schedules) == 0 {
		log.Fatalf("no schedules for %s -> %s on %s", *origin, *destination, *date)
	}
	schedule := schedules[0]

	buses, err := directory.NewDirectory(client, logger).BusAssignments(ctx, schedule.ID)
	if err != nil {
		log.Fatalf("bus lookup failed: %v", err)
	}
	if len(buses) == 0 {
		log.Fatalf("no buses operate schedule %s", schedule.ID)
	}
	bus := buses[0]

	if err := sess.SelectSeat(ctx, schedule, bus, *seat); err != nil {
		log.Fatalf("could not hold seat %s: %v", *seat, err)
	}

	err = sess.SetPassenger(ctx, domain.PassengerRecord{
		Name:          *name,
		Email:         *email,
		Phone:         *phone,
		AgeGroup:      "adult",
		Gender:        "unspecified",
		Nationality:   "TZ",
		BoardingPoint: orDefault(*boarding, *origin),
		DroppingPoint: orDefault(*dropping, *destination),
	})
	if err != nil {
		log.Fatalf("passenger rejected: %v", err)
	}

	sess.ChoosePaymentMethod("mobile_money")
	booking, err := sess.Pay(ctx)
	if err != nil {
		log.Fatalf("payment failed: %v", err)
	}

	fmt.Printf("booked seat %s on %s -> %s, booking %s, paid %s %s\n",
		booking.SeatNumber, schedule.Origin, schedule.Destination,
		booking.ID, booking.PricePaid, booking.Currency)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// referenceCharger stands in for the payment gateway: the charge is
// treated as succeeded and identified by a fresh reference.
type referenceCharger struct{}

func (referenceCharger) Charge(_ context.Context, _ decimal.Decimal, method string) (domain.PaymentProof, error) {
	return domain.PaymentProof{Reference: uuid.New().String(), Method: method}, nil
}

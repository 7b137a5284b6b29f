package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/safiri/busline/internal/adapters/crdb"
	mongoadapter "github.com/safiri/busline/internal/adapters/mongo"
	"github.com/safiri/busline/internal/adapters/rabbit"
	redisadapter "github.com/safiri/busline/internal/adapters/redis"
	"github.com/safiri/busline/internal/apiclient"
	"github.com/safiri/busline/internal/config"
	"github.com/safiri/busline/internal/directory"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/finalize"
	"github.com/safiri/busline/internal/hold"
	httphandler "github.com/safiri/busline/internal/http"
	"github.com/safiri/busline/internal/idempotency"
	"github.com/safiri/busline/internal/observability"
	"github.com/safiri/busline/internal/outbox"
	"github.com/safiri/busline/internal/passenger"
	"github.com/safiri/busline/internal/rateLimit"
	"github.com/safiri/busline/internal/session"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type stubCharger struct{}

func (stubCharger) Charge(_ context.Context, _ decimal.Decimal, method string) (domain.PaymentProof, error) {
	return domain.PaymentProof{Reference: uuid.New().String(), Method: method}, nil
}

func TestIntegration_SearchHoldPassengerConfirm(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForExec([]string{"mongo", "--eval", "db.runCommand('ping').ok"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	crdbPort, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}
	mongoHost, err := mongoContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mongoPort, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	rabbitHost, err := rabbitContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rabbitPort, err := rabbitContainer.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		CRDBDSN:        "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/busline?sslmode=disable",
		MongoURI:       "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:      redisHost + ":" + redisPort.Port(),
		RabbitURL:      "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		HTTPAddr:       ":8091",
		BookingAPIBase: "http://localhost:8091",
		HoldTTL:        300 * time.Second,
		OTLPEndpoint:   "", // skip otel for test
	}

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

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
		CREATE TABLE IF NOT EXISTS busline.outbox (
			id UUID PRIMARY KEY,
			aggregate_type TEXT,
			aggregate_id UUID,
			event_type TEXT,
			payload_json BYTES,
			created_at TIMESTAMPTZ DEFAULT now(),
			published_at TIMESTAMPTZ,
			status TEXT,
			dedupe_key TEXT
		);
	`)
	if err != nil {
		t.Fatal(err)
	}
	crdbRepo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("busline")
	logger := observability.NewLogger()
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := rabbit.NewConsumer(rabbitConn, "busline.test.q", "booking.confirmed")
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	go outbox.NewPublisher(crdbRepo, rabbitPub, logger).Run(relayCtx, time.Second)

	handlers := httphandler.NewHandlers(cfg, crdbRepo, redisCache, idemp, catalog, audit)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Error(err)
		}
	}()
	defer srv.Shutdown(ctx)

	// Seed the catalog.
	scheduleID := uuid.New()
	busID := uuid.New()
	err = catalog.CreateSchedule(ctx, mongoadapter.ScheduleDoc{
		ID:            scheduleID,
		Origin:        "Moshi",
		Destination:   "Dodoma",
		TravelDate:    "2026-09-01",
		DepartureTime: time.Now().Add(48 * time.Hour),
		ArrivalTime:   time.Now().Add(56 * time.Hour),
		Price:         "45000",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = catalog.CreateBusAssignment(ctx, mongoadapter.BusAssignmentDoc{
		ID:          busID,
		ScheduleID:  scheduleID,
		Company:     "Kilimanjaro Express",
		PlateNumber: "T 123 ABC",
		TotalSeats:  45,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Drive the whole flow through the client-side stack.
	client := apiclient.NewClient(cfg.BookingAPIBase, logger)
	sess := session.NewSession(
		directory.NewDirectory(client, logger),
		hold.NewCoordinator(client, logger),
		passenger.NewAggregator(),
		finalize.NewFinalizer(client, logger),
		stubCharger{},
		logger,
	)

	schedules, err := sess.Search(ctx, "Moshi", "Dodoma", "2026-09-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected one schedule, got %d", len(schedules))
	}
	buses, err := directory.NewDirectory(client, logger).BusAssignments(ctx, scheduleID)
	if err != nil {
		t.Fatal(err)
	}
	if len(buses) != 1 {
		t.Fatalf("expected one bus assignment, got %d", len(buses))
	}

	if err := sess.SelectSeat(ctx, schedules[0], buses[0], "12"); err != nil {
		t.Fatalf("select seat: %v", err)
	}

	// A same-session retry that misses the idempotency cache still
	// resolves to the existing hold instead of a conflict.
	heldID := sess.Snapshot().Hold.ID
	retried, err := client.AcquireSeat(ctx, hold.AcquireRequest{
		ScheduleID:      scheduleID,
		BusAssignmentID: busID,
		SeatNumber:      "12",
		SessionID:       sess.ID(),
		IdempotencyKey:  uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("same-session retry should resolve, got %v", err)
	}
	if retried.ID != heldID {
		t.Errorf("retry resolved to a different hold: %s vs %s", retried.ID, heldID)
	}

	// A rival session loses the race for the same seat.
	rival := session.NewSession(
		directory.NewDirectory(client, logger),
		hold.NewCoordinator(client, logger),
		passenger.NewAggregator(),
		finalize.NewFinalizer(client, logger),
		stubCharger{},
		logger,
	)
	if err := rival.SelectSeat(ctx, schedules[0], buses[0], "12"); err == nil {
		t.Fatal("expected rival hold to conflict")
	}

	err = sess.SetPassenger(ctx, domain.PassengerRecord{
		Name:          "Asha Mrema",
		Email:         "asha@example.com",
		Phone:         "0712345678",
		AgeGroup:      "adult",
		Gender:        "female",
		Nationality:   "TZ",
		BoardingPoint: "Moshi",
		DroppingPoint: "Dodoma",
	})
	if err != nil {
		t.Fatalf("set passenger: %v", err)
	}
	sess.ChoosePaymentMethod("mobile_money")

	booking, err := sess.Pay(ctx)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if booking.Status != domain.BookingConfirmed {
		t.Errorf("expected CONFIRMED, got %s", booking.Status)
	}
	if !booking.PricePaid.Equal(decimal.NewFromInt(45000)) {
		t.Errorf("expected 45000 paid, got %s", booking.PricePaid)
	}

	// The seat now shows as booked.
	sm, err := client.SeatAvailability(ctx, scheduleID, busID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sm.Booked) != 1 || sm.Booked[0] != "12" {
		t.Errorf("expected seat 12 booked, got %+v", sm)
	}

	// The outbox relay delivers booking.confirmed.
	select {
	case d := <-deliveries:
		var event struct {
			BookingID uuid.UUID `json:"booking_id"`
			SeatNo    string    `json:"seat_no"`
		}
		if err := json.Unmarshal(d.Body, &event); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		if event.BookingID != booking.ID || event.SeatNo != "12" {
			t.Errorf("unexpected event: %+v", event)
		}
		d.Ack(false)
	case <-time.After(30 * time.Second):
		t.Fatal("booking.confirmed event not delivered")
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/safiri/busline/internal/adapters/crdb"
	"github.com/safiri/busline/internal/adapters/rabbit"
	redisadapter "github.com/safiri/busline/internal/adapters/redis"
	"github.com/safiri/busline/internal/config"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	worker := NewExpiryWorker(repo, redisCache, rabbitPub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type holdStore interface {
	GetExpiredHolds(ctx context.Context, now time.Time) ([]domain.SeatHold, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID, to domain.HoldStatus) error
}

type seatLocks interface {
	ReleaseHoldLock(ctx context.Context, scheduleID, busID, seat string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// ExpiryWorker reaps ACTIVE holds whose TTL elapsed: marks them EXPIRED,
// drops the redis seat lock and publishes hold.expired. Sessions check
// expiry at point of use; this is the server-side backstop that frees
// seats abandoned without a release.
type ExpiryWorker struct {
	repo   holdStore
	locks  seatLocks
	events eventPublisher
	logger observability.Logger
}

func NewExpiryWorker(repo holdStore, locks seatLocks, events eventPublisher, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{repo: repo, locks: locks, events: events, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			holds, err := w.repo.GetExpiredHolds(ctx, now)
			if err != nil {
				w.logger.Error("failed to get expired holds", err)
				continue
			}
			for _, hold := range holds {
				if err := w.processExpiredHoldWithRetry(ctx, hold); err != nil {
					w.logger.WithField("hold_id", hold.ID).Error("failed to process expired hold after retries", err)
				}
			}
		}
	}
}

func (w *ExpiryWorker) processExpiredHoldWithRetry(ctx context.Context, hold domain.SeatHold) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		err := w.repo.ReleaseHold(ctx, hold.ID, domain.HoldExpired)
		if errors.Is(err, domain.ErrNotFound) {
			// Released or consumed since the scan; nothing expired here.
			return nil
		}
		if err != nil {
			backoff := time.Duration(1<<i) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}

		w.locks.ReleaseHoldLock(ctx, hold.ScheduleID.String(), hold.BusAssignmentID.String(), hold.SeatNumber)
		observability.HoldsExpired.Inc()

		payload, _ := json.Marshal(map[string]interface{}{"hold_id": hold.ID, "seat_no": hold.SeatNumber})
		msg := amqp.Publishing{
			MessageId:   uuid.New().String(),
			ContentType: "application/json",
			Body:        payload,
		}
		return w.events.Publish(ctx, "hold.expired", msg)
	}
	return fmt.Errorf("failed after %d retries", maxRetries)
}

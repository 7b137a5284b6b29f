package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN        string
	MongoURI       string
	RedisAddr      string
	RabbitURL      string
	HTTPAddr       string
	BookingAPIBase string
	HoldTTL        time.Duration
	OTLPEndpoint   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	holdTTL, _ := time.ParseDuration(os.Getenv("HOLD_TTL"))
	if holdTTL == 0 {
		holdTTL = 5 * time.Minute
	}
	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	apiBase := os.Getenv("BOOKING_API_BASE")
	if apiBase == "" {
		apiBase = "http://localhost:8080"
	}

	return &Config{
		CRDBDSN:        os.Getenv("CRDB_DSN"),
		MongoURI:       os.Getenv("MONGO_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RabbitURL:      os.Getenv("RABBIT_URL"),
		HTTPAddr:       httpAddr,
		BookingAPIBase: apiBase,
		HoldTTL:        holdTTL,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safiri/busline/internal/idempotency"
	"github.com/safiri/busline/internal/observability"
	"github.com/safiri/busline/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyMiddleware(idemp))

	r.Post("/v1/schedules/search", h.SearchSchedules)
	r.Get("/v1/schedules/{id}/buses", h.ListBuses)
	r.Post("/v1/seats/hold", h.HoldSeat)
	r.Post("/v1/seats/release", h.ReleaseSeat)
	r.Post("/v1/seats/booked", h.SeatsBooked)
	r.Post("/v1/bookings", h.CreateBooking)
	r.Get("/v1/bookings/mine", h.MyBookings)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

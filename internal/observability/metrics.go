package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busline_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	HoldsAcquired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busline_holds_acquired_total",
			Help: "Seat holds successfully acquired",
		},
	)

	HoldConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busline_hold_conflicts_total",
			Help: "Seat hold attempts rejected because the seat was taken",
		},
	)

	HoldsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busline_holds_expired_total",
			Help: "Seat holds reaped after their TTL elapsed",
		},
	)

	BookingsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busline_bookings_confirmed_total",
			Help: "Bookings created from consumed holds",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busline_session_transitions_total",
			Help: "Reservation session state transitions",
		},
		[]string{"from", "to"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "busline_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busline_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busline_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

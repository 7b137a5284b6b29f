package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/safiri/busline/internal/adapters/crdb"
	mongoadapter "github.com/safiri/busline/internal/adapters/mongo"
	redisadapter "github.com/safiri/busline/internal/adapters/redis"
	"github.com/safiri/busline/internal/config"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/idempotency"
	"github.com/shopspring/decimal"
)

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("empty price")
	}
	return decimal.NewFromString(s)
}

type Handlers struct {
	cfg     *config.Config
	repo    *crdb.Repository
	redis   *redisadapter.Cache
	idemp   *idempotency.Idempotency
	catalog *mongoadapter.CatalogRepository
	audit   *mongoadapter.AuditLogger
}

func NewHandlers(cfg *config.Config, repo *crdb.Repository, redis *redisadapter.Cache, idemp *idempotency.Idempotency, catalog *mongoadapter.CatalogRepository, audit *mongoadapter.AuditLogger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		repo:    repo,
		redis:   redis,
		idemp:   idemp,
		catalog: catalog,
		audit:   audit,
	}
}

type scheduleJSON struct {
	ID            uuid.UUID `json:"id"`
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	TravelDate    string    `json:"travel_date"`
	DepartureTime time.Time `json:"departure_time"`
	ArrivalTime   time.Time `json:"arrival_time"`
	Price         string    `json:"price"`
}

type busJSON struct {
	ID          uuid.UUID `json:"id"`
	ScheduleID  uuid.UUID `json:"schedule_id"`
	Company     string    `json:"company"`
	PlateNumber string    `json:"plate_number"`
	TotalSeats  int       `json:"total_seats"`
}

type holdJSON struct {
	ID              uuid.UUID `json:"hold_id"`
	ScheduleID      uuid.UUID `json:"schedule_id"`
	BusAssignmentID uuid.UUID `json:"bus_assignment_id"`
	SeatNumber      string    `json:"seat_number"`
	SessionID       uuid.UUID `json:"session_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Status          string    `json:"status"`
}

type bookingJSON struct {
	ID              uuid.UUID              `json:"booking_id"`
	ScheduleID      uuid.UUID              `json:"schedule_id"`
	BusAssignmentID uuid.UUID              `json:"bus_assignment_id"`
	SeatNumber      string                 `json:"seat_number"`
	SessionID       uuid.UUID              `json:"session_id"`
	Passenger       domain.PassengerRecord `json:"passenger"`
	PricePaid       string                 `json:"price_paid"`
	Currency        string                 `json:"currency"`
	PaymentRef      string                 `json:"payment_ref"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
}

func holdToJSON(h domain.SeatHold) holdJSON {
	return holdJSON{
		ID:              h.ID,
		ScheduleID:      h.ScheduleID,
		BusAssignmentID: h.BusAssignmentID,
		SeatNumber:      h.SeatNumber,
		SessionID:       h.SessionID,
		AcquiredAt:      h.AcquiredAt,
		ExpiresAt:       h.ExpiresAt,
		Status:          string(h.Status),
	}
}

func bookingToJSON(b domain.Booking) bookingJSON {
	return bookingJSON{
		ID:              b.ID,
		ScheduleID:      b.ScheduleID,
		BusAssignmentID: b.BusAssignmentID,
		SeatNumber:      b.SeatNumber,
		SessionID:       b.SessionID,
		Passenger:       b.Passenger,
		PricePaid:       b.PricePaid.String(),
		Currency:        b.Currency,
		PaymentRef:      b.PaymentRef,
		Status:          b.Status,
		CreatedAt:       b.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	return data
}

func (h *Handlers) SearchSchedules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
		Date        string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Origin == "" || req.Destination == "" || req.Date == "" {
		http.Error(w, "origin, destination and date are required", http.StatusBadRequest)
		return
	}

	docs, err := h.catalog.SearchSchedules(r.Context(), req.Origin, req.Destination, req.Date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	schedules := make([]scheduleJSON, 0, len(docs))
	for _, d := range docs {
		schedules = append(schedules, scheduleJSON{
			ID:            d.ID,
			Origin:        d.Origin,
			Destination:   d.Destination,
			TravelDate:    d.TravelDate,
			DepartureTime: d.DepartureTime,
			ArrivalTime:   d.ArrivalTime,
			Price:         d.Price,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (h *Handlers) ListBuses(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid schedule id", http.StatusBadRequest)
		return
	}

	docs, err := h.catalog.ListBusAssignments(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	buses := make([]busJSON, 0, len(docs))
	for _, d := range docs {
		buses = append(buses, busJSON{
			ID:          d.ID,
			ScheduleID:  d.ScheduleID,
			Company:     d.Company,
			PlateNumber: d.PlateNumber,
			TotalSeats:  d.TotalSeats,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buses": buses})
}

func (h *Handlers) HoldSeat(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	var req struct {
		ScheduleID      uuid.UUID `json:"schedule_id"`
		BusAssignmentID uuid.UUID `json:"bus_assignment_id"`
		SeatNumber      string    `json:"seat_number"`
		SessionID       uuid.UUID `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SeatNumber == "" || req.SessionID == uuid.Nil {
		http.Error(w, "seat_number and session_id are required", http.StatusBadRequest)
		return
	}

	if _, err := h.catalog.GetBusAssignment(r.Context(), req.BusAssignmentID); err != nil {
		http.Error(w, "bus assignment not found", http.StatusNotFound)
		return
	}

	hold := domain.NewSeatHold(req.ScheduleID, req.BusAssignmentID, req.SeatNumber, req.SessionID, h.cfg.HoldTTL)

	locked, err := h.redis.SetHoldLock(r.Context(), req.ScheduleID.String(), req.BusAssignmentID.String(), req.SeatNumber, req.SessionID.String(), h.cfg.HoldTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !locked {
		owner, err := h.redis.HoldLockOwner(r.Context(), req.ScheduleID.String(), req.BusAssignmentID.String(), req.SeatNumber)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if owner != req.SessionID.String() {
			http.Error(w, "seat already held", http.StatusConflict)
			return
		}
		// Same session retrying; the database guard below decides.
	}

	err = h.repo.WithTx(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.CreateHold(r.Context(), tx, hold); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"hold_id": hold.ID, "seat_no": hold.SeatNumber})
		return h.repo.InsertOutbox(r.Context(), tx, crdb.OutboxRecord{
			ID:            uuid.New(),
			AggregateType: "hold",
			AggregateID:   hold.ID,
			EventType:     "hold.created",
			Payload:       payload,
			DedupeKey:     uuid.New().String(),
		})
	})
	if errors.Is(err, domain.ErrSerializationFailure) {
		http.Error(w, "conflict, try again", http.StatusConflict)
		return
	}
	if errors.Is(err, domain.ErrConflict) {
		// A retry that missed the idempotency cache conflicts with the
		// session's own ACTIVE row; resolve it to that hold instead of
		// bouncing the rightful owner.
		prior, lookupErr := h.repo.GetActiveHold(r.Context(), req.ScheduleID, req.BusAssignmentID, req.SeatNumber)
		if lookupErr == nil && prior.SessionID == req.SessionID {
			data := writeJSON(w, http.StatusOK, holdToJSON(prior))
			h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusOK, Result: data})
			return
		}
		http.Error(w, "seat already held", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.audit.LogHold(r.Context(), hold)

	data := writeJSON(w, http.StatusCreated, holdToJSON(hold))
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) ReleaseSeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HoldID uuid.UUID `json:"hold_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hold, err := h.repo.GetHold(r.Context(), req.HoldID)
	if errors.Is(err, domain.ErrNotFound) {
		// Unknown hold: release stays a no-op.
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = h.repo.ReleaseHold(r.Context(), req.HoldID, domain.HoldReleased)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err == nil {
		h.redis.ReleaseHoldLock(r.Context(), hold.ScheduleID.String(), hold.BusAssignmentID.String(), hold.SeatNumber)
		h.audit.LogEvent(r.Context(), "hold.released", hold.SessionID, map[string]interface{}{"hold_id": hold.ID})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *Handlers) SeatsBooked(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduleID      uuid.UUID `json:"schedule_id"`
		BusAssignmentID uuid.UUID `json:"bus_assignment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sm, err := h.repo.SeatAvailability(r.Context(), req.ScheduleID, req.BusAssignmentID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sm.Held == nil {
		sm.Held = []string{}
	}
	if sm.Booked == nil {
		sm.Booked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"held": sm.Held, "booked": sm.Booked})
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	existing, err := h.idemp.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.Status)
		w.Write(existing.Result)
		return
	}

	var req struct {
		HoldID    uuid.UUID              `json:"hold_id"`
		SessionID uuid.UUID              `json:"session_id"`
		Passenger domain.PassengerRecord `json:"passenger"`
		Payment   struct {
			Reference string `json:"reference"`
			Method    string `json:"method"`
		} `json:"payment"`
		PricePaid string `json:"price_paid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Payment.Reference == "" {
		http.Error(w, "payment reference is required", http.StatusBadRequest)
		return
	}

	// Dedupe before touching the hold: a retried confirm must return the
	// original booking, not consume anything twice.
	if prior, err := h.repo.GetBookingByRef(r.Context(), req.SessionID, req.Payment.Reference); err == nil {
		data := writeJSON(w, http.StatusOK, bookingToJSON(prior))
		h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusOK, Result: data})
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	hold, err := h.repo.GetHold(r.Context(), req.HoldID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "hold not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hold.SessionID != req.SessionID {
		http.Error(w, "hold not owned by session", http.StatusConflict)
		return
	}

	price, err := parsePrice(req.PricePaid)
	if err != nil {
		http.Error(w, "invalid price_paid", http.StatusBadRequest)
		return
	}

	booking := domain.Booking{
		ID:              uuid.New(),
		ScheduleID:      hold.ScheduleID,
		BusAssignmentID: hold.BusAssignmentID,
		SeatNumber:      hold.SeatNumber,
		SessionID:       req.SessionID,
		Passenger:       req.Passenger,
		PricePaid:       price,
		Currency:        domain.Currency,
		PaymentRef:      req.Payment.Reference,
		Status:          domain.BookingConfirmed,
		CreatedAt:       time.Now(),
	}

	err = h.repo.WithTx(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.ConsumeHold(r.Context(), tx, hold.ID, time.Now()); err != nil {
			return err
		}
		stored, _, err := h.repo.CreateBooking(r.Context(), tx, booking)
		if err != nil {
			return err
		}
		booking = stored
		payload, _ := json.Marshal(map[string]interface{}{"booking_id": booking.ID, "seat_no": booking.SeatNumber})
		return h.repo.InsertOutbox(r.Context(), tx, crdb.OutboxRecord{
			ID:            uuid.New(),
			AggregateType: "booking",
			AggregateID:   booking.ID,
			EventType:     "booking.confirmed",
			Payload:       payload,
			DedupeKey:     req.SessionID.String() + ":" + req.Payment.Reference,
		})
	})
	if errors.Is(err, domain.ErrHoldExpired) {
		http.Error(w, "hold expired", http.StatusGone)
		return
	}
	if errors.Is(err, domain.ErrSerializationFailure) {
		http.Error(w, "conflict, try again", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The seat is booked; the short-lived lock has done its job.
	h.redis.ReleaseHoldLock(r.Context(), hold.ScheduleID.String(), hold.BusAssignmentID.String(), hold.SeatNumber)
	h.audit.LogBooking(r.Context(), booking)

	data := writeJSON(w, http.StatusCreated, bookingToJSON(booking))
	h.idemp.Set(r.Context(), key, idempotency.Response{Status: http.StatusCreated, Result: data})
}

func (h *Handlers) MyBookings(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	bookings, err := h.repo.ListBookingsBySession(r.Context(), sessionID, perPage, (page-1)*perPage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]bookingJSON, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, bookingToJSON(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bookings": out,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

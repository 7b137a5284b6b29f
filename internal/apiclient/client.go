package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/safiri/busline/internal/directory"
	"github.com/safiri/busline/internal/domain"
	"github.com/safiri/busline/internal/finalize"
	"github.com/safiri/busline/internal/hold"
	"github.com/safiri/busline/internal/observability"
	"github.com/shopspring/decimal"
)

const maxRetries = 3

// Client talks to the booking API over HTTP. It implements the
// directory, hold-coordinator and finalizer API interfaces.
//
// Search and acquire are retried with backoff on transport errors and
// 5xx responses; acquire stays safe to retry because every attempt
// carries the caller's idempotency token. Booking creation is never
// retried blindly here; the finalizer owns that decision.
type Client struct {
	baseURL string
	http    *http.Client
	logger  observability.Logger
}

func NewClient(baseURL string, logger observability.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type scheduleDTO struct {
	ID            uuid.UUID `json:"id"`
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	TravelDate    string    `json:"travel_date"`
	DepartureTime time.Time `json:"departure_time"`
	ArrivalTime   time.Time `json:"arrival_time"`
	Price         string    `json:"price"`
}

type busDTO struct {
	ID          uuid.UUID `json:"id"`
	ScheduleID  uuid.UUID `json:"schedule_id"`
	Company     string    `json:"company"`
	PlateNumber string    `json:"plate_number"`
	TotalSeats  int       `json:"total_seats"`
}

type holdDTO struct {
	ID              uuid.UUID `json:"hold_id"`
	ScheduleID      uuid.UUID `json:"schedule_id"`
	BusAssignmentID uuid.UUID `json:"bus_assignment_id"`
	SeatNumber      string    `json:"seat_number"`
	SessionID       uuid.UUID `json:"session_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Status          string    `json:"status"`
}

type bookingDTO struct {
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

func (c *Client) SearchSchedules(ctx context.Context, origin, destination, date string) ([]domain.ScheduleRef, error) {
	body := map[string]string{"origin": origin, "destination": destination, "date": date}
	var resp struct {
		Schedules []scheduleDTO `json:"schedules"`
	}
	if err := c.doRetry(ctx, http.MethodPost, "/v1/schedules/search", "", body, &resp); err != nil {
		return nil, err
	}
	refs := make([]domain.ScheduleRef, 0, len(resp.Schedules))
	for _, s := range resp.Schedules {
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %s price", s.ID)
		}
		refs = append(refs, domain.ScheduleRef{
			ID:            s.ID,
			Origin:        s.Origin,
			Destination:   s.Destination,
			TravelDate:    s.TravelDate,
			DepartureTime: s.DepartureTime,
			ArrivalTime:   s.ArrivalTime,
			Price:         price,
		})
	}
	return refs, nil
}

func (c *Client) ListBusAssignments(ctx context.Context, scheduleID uuid.UUID) ([]domain.BusAssignment, error) {
	var resp struct {
		Buses []busDTO `json:"buses"`
	}
	path := fmt.Sprintf("/v1/schedules/%s/buses", scheduleID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	buses := make([]domain.BusAssignment, 0, len(resp.Buses))
	for _, b := range resp.Buses {
		buses = append(buses, domain.BusAssignment{
			ID:          b.ID,
			ScheduleID:  b.ScheduleID,
			Company:     b.Company,
			PlateNumber: b.PlateNumber,
			TotalSeats:  b.TotalSeats,
		})
	}
	return buses, nil
}

func (c *Client) SeatAvailability(ctx context.Context, scheduleID, busID uuid.UUID) (domain.SeatMap, error) {
	body := map[string]string{
		"schedule_id":       scheduleID.String(),
		"bus_assignment_id": busID.String(),
	}
	var resp struct {
		Held   []string `json:"held"`
		Booked []string `json:"booked"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/seats/booked", "", body, &resp); err != nil {
		return domain.SeatMap{}, err
	}
	return domain.SeatMap{Held: resp.Held, Booked: resp.Booked}, nil
}

func (c *Client) AcquireSeat(ctx context.Context, req hold.AcquireRequest) (domain.SeatHold, error) {
	body := map[string]string{
		"schedule_id":       req.ScheduleID.String(),
		"bus_assignment_id": req.BusAssignmentID.String(),
		"seat_number":       req.SeatNumber,
		"session_id":        req.SessionID.String(),
	}
	var resp holdDTO
	if err := c.doRetry(ctx, http.MethodPost, "/v1/seats/hold", req.IdempotencyKey, body, &resp); err != nil {
		return domain.SeatHold{}, err
	}
	return holdFromDTO(resp), nil
}

func (c *Client) ReleaseSeat(ctx context.Context, holdID uuid.UUID) error {
	body := map[string]string{"hold_id": holdID.String()}
	return c.do(ctx, http.MethodPost, "/v1/seats/release", "", body, nil)
}

func (c *Client) CreateBooking(ctx context.Context, held domain.SeatHold, rec domain.PassengerRecord, proof domain.PaymentProof, pricePaid decimal.Decimal) (domain.Booking, error) {
	body := map[string]interface{}{
		"hold_id":           held.ID.String(),
		"schedule_id":       held.ScheduleID.String(),
		"bus_assignment_id": held.BusAssignmentID.String(),
		"seat_number":       held.SeatNumber,
		"session_id":        held.SessionID.String(),
		"passenger":         rec,
		"payment": map[string]string{
			"reference": proof.Reference,
			"method":    proof.Method,
		},
		"price_paid": pricePaid.String(),
	}
	idemKey := held.SessionID.String() + ":" + proof.Reference
	var resp bookingDTO
	if err := c.do(ctx, http.MethodPost, "/v1/bookings", idemKey, body, &resp); err != nil {
		return domain.Booking{}, err
	}
	return bookingFromDTO(resp)
}

// MyBookings lists the caller's bookings, paginated.
func (c *Client) MyBookings(ctx context.Context, sessionID uuid.UUID, page, perPage int) ([]domain.Booking, error) {
	path := fmt.Sprintf("/v1/bookings/mine?session_id=%s&page=%d&per_page=%d", sessionID, page, perPage)
	var resp struct {
		Bookings []bookingDTO `json:"bookings"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Booking, 0, len(resp.Bookings))
	for _, b := range resp.Bookings {
		booking, err := bookingFromDTO(b)
		if err != nil {
			return nil, err
		}
		out = append(out, booking)
	}
	return out, nil
}

func holdFromDTO(d holdDTO) domain.SeatHold {
	return domain.SeatHold{
		ID:              d.ID,
		ScheduleID:      d.ScheduleID,
		BusAssignmentID: d.BusAssignmentID,
		SeatNumber:      d.SeatNumber,
		SessionID:       d.SessionID,
		AcquiredAt:      d.AcquiredAt,
		ExpiresAt:       d.ExpiresAt,
		Status:          domain.HoldStatus(d.Status),
	}
}

func bookingFromDTO(d bookingDTO) (domain.Booking, error) {
	price, err := decimal.NewFromString(d.PricePaid)
	if err != nil {
		return domain.Booking{}, errors.Wrap(err, "booking price")
	}
	return domain.Booking{
		ID:              d.ID,
		ScheduleID:      d.ScheduleID,
		BusAssignmentID: d.BusAssignmentID,
		SeatNumber:      d.SeatNumber,
		SessionID:       d.SessionID,
		Passenger:       d.Passenger,
		PricePaid:       price,
		Currency:        d.Currency,
		PaymentRef:      d.PaymentRef,
		Status:          d.Status,
		CreatedAt:       d.CreatedAt,
	}, nil
}

// doRetry runs do with exponential backoff on transport errors and 5xx
// responses. Only used for operations that are safe to retry.
func (c *Client) doRetry(ctx context.Context, method, path, idemKey string, body, out interface{}) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<(i-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := c.do(ctx, method, path, idemKey, body, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("booking api: status %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	// Transport-level failures (connection refused, timeouts).
	return !errors.Is(err, domain.ErrConflict) &&
		!errors.Is(err, domain.ErrHoldExpired) &&
		!errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrInvalidInput)
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "booking api unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusConflict:
			return domain.ErrConflict
		case http.StatusGone:
			return domain.ErrHoldExpired
		case http.StatusNotFound:
			return domain.ErrNotFound
		case http.StatusBadRequest:
			return errors.Wrap(domain.ErrInvalidInput, string(data))
		default:
			return &httpStatusError{status: resp.StatusCode, body: string(data)}
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

var _ directory.API = (*Client)(nil)
var _ finalize.API = (*Client)(nil)
var _ hold.API = (*Client)(nil)

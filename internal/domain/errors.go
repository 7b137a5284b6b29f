package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("seat already held")
	ErrInvalidInput         = errors.New("invalid input")
	ErrHoldExpired          = errors.New("hold expired")
	ErrPaymentFailed        = errors.New("payment failed")
	// ErrReconciliationRequired means a charge may have succeeded without a
	// booking being recorded. Never mapped to a generic failure message.
	ErrReconciliationRequired = errors.New("payment reconciliation required")
	ErrInFlight               = errors.New("operation already in flight")
)

// ValidationError carries field-keyed messages for passenger input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "validation failed: " + strings.Join(keys, ", ")
}

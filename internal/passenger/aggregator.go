package passenger

import (
	"regexp"
	"strings"

	"github.com/safiri/busline/internal/domain"
)

var (
	emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// Tanzanian mobile numbers: +255 or leading 0, then nine digits.
	phoneShape = regexp.MustCompile(`^(\+255[0-9]{9}|0[0-9]{9})$`)
)

// Aggregator collects validated passenger records, one per held seat.
// A record is stored whole or not at all; a failed validation leaves any
// previously accepted record untouched.
type Aggregator struct {
	records map[string]domain.PassengerRecord
}

func NewAggregator() *Aggregator {
	return &Aggregator{records: make(map[string]domain.PassengerRecord)}
}

// Set validates and stores the record for a seat. On failure it returns
// a *domain.ValidationError keyed by field name.
func (a *Aggregator) Set(seat string, rec domain.PassengerRecord) (domain.PassengerRecord, error) {
	if seat == "" {
		return domain.PassengerRecord{}, domain.ErrInvalidInput
	}
	rec = normalize(rec)
	if fields := validate(rec); len(fields) > 0 {
		return domain.PassengerRecord{}, &domain.ValidationError{Fields: fields}
	}
	a.records[seat] = rec
	return rec, nil
}

// Get returns the record for a seat, if one was accepted.
func (a *Aggregator) Get(seat string) (domain.PassengerRecord, bool) {
	rec, ok := a.records[seat]
	return rec, ok
}

// Remove drops the record for a seat, if present.
func (a *Aggregator) Remove(seat string) {
	delete(a.records, seat)
}

// Reset drops all records. Called when the owning session resets or
// completes.
func (a *Aggregator) Reset() {
	a.records = make(map[string]domain.PassengerRecord)
}

func normalize(rec domain.PassengerRecord) domain.PassengerRecord {
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Email = strings.TrimSpace(rec.Email)
	rec.Phone = strings.ReplaceAll(strings.TrimSpace(rec.Phone), " ", "")
	rec.Gender = strings.TrimSpace(rec.Gender)
	rec.Nationality = strings.TrimSpace(rec.Nationality)
	rec.BoardingPoint = strings.TrimSpace(rec.BoardingPoint)
	rec.DroppingPoint = strings.TrimSpace(rec.DroppingPoint)
	if rec.IDType == "" {
		rec.IDType = domain.IdentityDocNone
	}
	return rec
}

func validate(rec domain.PassengerRecord) map[string]string {
	fields := make(map[string]string)
	if rec.Name == "" {
		fields["name"] = "required"
	}
	if rec.Email == "" {
		fields["email"] = "required"
	} else if !emailShape.MatchString(rec.Email) {
		fields["email"] = "invalid format"
	}
	if rec.Phone == "" {
		fields["phone"] = "required"
	} else if !phoneShape.MatchString(rec.Phone) {
		fields["phone"] = "invalid format"
	}
	if rec.Gender == "" {
		fields["gender"] = "required"
	}
	if rec.Nationality == "" {
		fields["nationality"] = "required"
	}
	if rec.BoardingPoint == "" {
		fields["boarding_point"] = "required"
	}
	if rec.DroppingPoint == "" {
		fields["dropping_point"] = "required"
	}
	if rec.IDType != domain.IdentityDocNone && strings.TrimSpace(rec.IDNumber) == "" {
		fields["id_number"] = "required for document type " + rec.IDType
	}
	return fields
}

package domain

// IdentityDocNone marks a passenger travelling without an identity
// document; any other IDType makes IDNumber mandatory.
const IdentityDocNone = "none"

// PassengerRecord is one traveller, keyed by seat number within a
// reservation session.
type PassengerRecord struct {
	Name          string
	Email         string
	Phone         string
	AgeGroup      string
	Gender        string
	Nationality   string
	BoardingPoint string
	DroppingPoint string
	IDType        string
	IDNumber      string
}

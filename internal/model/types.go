package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType tags audit log rows with the kind of entity they describe.
type EntityType string

const (
	EntityLocation EntityType = "location"
	EntityReport   EntityType = "report"
	EntityOrder    EntityType = "order"
	EntityTruck    EntityType = "truck"
)

// DefaultUser is recorded on audit actions when no user is supplied.
const DefaultUser = "not specified"

// Location is a deduplicated polling-place address record. A location with a
// non-nil CanonicalLocationID has been absorbed by a merge; all activity aimed
// at it is redirected to the canonical target.
type Location struct {
	ID                  int64      `json:"id"`
	FullAddress         string     `json:"fullAddress"`
	Street              string     `json:"street"`
	City                string     `json:"city"`
	State               string     `json:"state"`
	Zip                 string     `json:"zip"`
	Lat                 float64    `json:"lat"`
	Lng                 float64    `json:"lng"`
	ValidatedAt         *time.Time `json:"validatedAt,omitempty"`
	CanonicalLocationID *int64     `json:"canonicalLocationId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Absorbed reports whether the location redirects to a canonical target.
func (l Location) Absorbed() bool { return l.CanonicalLocationID != nil }

// Report is a single crowd-sourced sighting of a queue at a location.
type Report struct {
	ID         int64      `json:"id"`
	LocationID int64      `json:"locationId"`
	OrderID    *int64     `json:"orderId,omitempty"`
	TruckID    *int64     `json:"truckId,omitempty"`
	Contact    string     `json:"contact"`
	URL        string     `json:"url"`
	WaitTime   string     `json:"waitTime,omitempty"`
	SkippedAt  *time.Time `json:"skippedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Open reports whether the report is still actionable. Truck attachment does
// not close a report; only a skip or a fulfilling order does.
func (r Report) Open() bool { return r.SkippedAt == nil && r.OrderID == nil }

// Order records a food dispatch against a location. Placing an order closes
// every open report at the location and validates it.
type Order struct {
	ID         int64           `json:"id"`
	LocationID int64           `json:"locationId"`
	Cost       decimal.Decimal `json:"cost"`
	Quantity   int             `json:"quantity"`
	OrderType  string          `json:"orderType"`
	Restaurant string          `json:"restaurant,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Truck is a relief-dispatch assignment to a location. Identifier is a human
// label, typically a city-state slug like "austin-tx".
type Truck struct {
	ID         int64     `json:"id"`
	LocationID int64     `json:"locationId"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Action is an append-only audit entry for a state-changing operation.
type Action struct {
	ID         int64      `json:"id"`
	UserID     string     `json:"userId"`
	EntityType EntityType `json:"entityType"`
	EntityID   int64      `json:"entityId"`
	ActionType string     `json:"actionType"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NormalizedAddress is the canonical geocoded form of an address. Callers
// needing location identity must obtain one through the address normalizer;
// FullAddress is the only dedup key.
type NormalizedAddress struct {
	Street string  `json:"street"`
	City   string  `json:"city"`
	State  string  `json:"state"`
	Zip    string  `json:"zip"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// FullAddress assembles the canonical identity key "{street} {city} {state} {zip}".
func (a NormalizedAddress) FullAddress() string {
	return fmt.Sprintf("%s %s %s %s", a.Street, a.City, a.State, a.Zip)
}

// OverrideAddress is a trusted manual address supplied by privileged callers
// when geocoding fails. It must be structurally complete to be accepted.
type OverrideAddress struct {
	Address string   `json:"address" validate:"required"`
	City    string   `json:"city" validate:"required"`
	State   string   `json:"state" validate:"required,len=2"`
	Zip     string   `json:"zip" validate:"required"`
	Lat     *float64 `json:"lat" validate:"required,latitude"`
	Lng     *float64 `json:"lng" validate:"required,longitude"`
}

// ReportIn is the input to report intake after address normalization.
type ReportIn struct {
	Contact  string            `json:"contact"`
	URL      string            `json:"url"`
	WaitTime string            `json:"waitTime,omitempty"`
	Address  NormalizedAddress `json:"address"`
}

// ReportReceipt describes what intake did with a submitted report, so the
// caller can decide whether and which notification hook fires.
type ReportReceipt struct {
	IsUniqueReport    bool `json:"isUniqueReport"`
	HasTruck          bool `json:"hasTruck"`
	LocationValidated bool `json:"locationValidated"`
	LocationCreated   bool `json:"locationCreated"`
}

// OrderIn carries the parameters for placing an order.
type OrderIn struct {
	Quantity   int             `json:"quantity"`
	Cost       decimal.Decimal `json:"cost"`
	OrderType  string          `json:"orderType,omitempty"`
	Restaurant string          `json:"restaurant,omitempty"`
	User       string          `json:"user,omitempty"`
}

// Eligibility identifies the truck dispatch point serving a location on a date.
type Eligibility struct {
	CityState string `json:"citystate"`
	Date      string `json:"date"`
}

// ValidationErrors is a field-keyed map of validation failures. It is returned
// to callers as data, never raised past the validation boundary.
type ValidationErrors map[string]string

// SubscriptionRequest registers a notification hook endpoint.
type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// Subscription is a registered notification hook.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

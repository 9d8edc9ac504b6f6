package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RideStatus is the lifecycle state of a ride. Transitions between
// statuses are owned by the lifecycle state machine.
type RideStatus string

const (
	StatusRequested           RideStatus = "requested"
	StatusDriverAssigned      RideStatus = "driver_assigned"
	StatusDriverArrived       RideStatus = "driver_arrived"
	StatusInProgress          RideStatus = "in_progress"
	StatusCompleted           RideStatus = "completed"
	StatusCancelledByCustomer RideStatus = "cancelled_by_customer"
	StatusCancelledByDriver   RideStatus = "cancelled_by_driver"
	StatusCancelledBySystem   RideStatus = "cancelled_by_system"
	StatusNoDriverFound       RideStatus = "no_driver_found"
)

// ActiveStatuses are the non-terminal statuses that count toward the
// one-active-ride-per-customer rule.
var ActiveStatuses = []RideStatus{
	StatusRequested, StatusDriverAssigned, StatusDriverArrived, StatusInProgress,
}

// DriverActiveStatuses are the statuses during which a driver is occupied.
var DriverActiveStatuses = []RideStatus{
	StatusDriverAssigned, StatusDriverArrived, StatusInProgress,
}

// TerminalStatuses close a ride. no_driver_found is terminal except for
// the explicit retry action that reopens it to requested.
var TerminalStatuses = []RideStatus{
	StatusCompleted, StatusCancelledByCustomer, StatusCancelledByDriver,
	StatusCancelledBySystem, StatusNoDriverFound,
}

func (s RideStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

func (s RideStatus) IsCancelled() bool {
	return s == StatusCancelledByCustomer || s == StatusCancelledByDriver || s == StatusCancelledBySystem
}

// Category is the ride product class. Pricing and speed constants are
// keyed by category in the fare configuration.
type Category string

const (
	CategoryStandard Category = "standard"
	CategoryEconomy  Category = "economy"
	CategoryPremium  Category = "premium"
	CategoryDelivery Category = "delivery"
	CategoryExpress  Category = "express"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryStandard, CategoryEconomy, CategoryPremium, CategoryDelivery, CategoryExpress:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentMobileMoney PaymentMethod = "mobile_money"
	PaymentCard        PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// ActorRole identifies who requested a lifecycle action.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleDriver   ActorRole = "driver"
	RoleAdmin    ActorRole = "admin"
	RoleSystem   ActorRole = "system"
)

// Actor is the principal behind a transition request.
type Actor struct {
	Role ActorRole `json:"role"`
	ID   string    `json:"id"`
}

var SystemActor = Actor{Role: RoleSystem, ID: "system"}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeoPoint is a coordinate with a human-readable address.
type GeoPoint struct {
	Coord
	Address string `json:"address"`
}

// Ride is the aggregate root of one trip. It is never deleted; terminal
// statuses end its lifecycle.
type Ride struct {
	ID         uuid.UUID  `json:"id"`
	CustomerID string     `json:"customer_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	Category   Category   `json:"category"`
	Status     RideStatus `json:"status"`

	Pickup      GeoPoint `json:"pickup"`
	Destination GeoPoint `json:"destination"`

	EstimatedDistanceKm  float64 `json:"estimated_distance_km"`
	EstimatedDurationMin int     `json:"estimated_duration_min"`
	ActualDistanceKm     float64 `json:"actual_distance_km,omitempty"`
	ActualDurationMin    int     `json:"actual_duration_min,omitempty"`

	BaseFare        decimal.Decimal `json:"base_fare"`
	DistanceFare    decimal.Decimal `json:"distance_fare"`
	TimeFare        decimal.Decimal `json:"time_fare"`
	SurgeMultiplier decimal.Decimal `json:"surge_multiplier"`
	TotalFare       decimal.Decimal `json:"total_fare"`

	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`

	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CancellationFee    decimal.Decimal `json:"cancellation_fee"`

	CustomerNotes string `json:"customer_notes,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// IsActive reports whether the ride is in a non-terminal status.
func (r *Ride) IsActive() bool { return !r.Status.IsTerminal() }

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// RideOffer is one candidate driver's time-boxed chance to accept a ride.
// At most one offer per ride ever reaches accepted.
type RideOffer struct {
	ID                 uuid.UUID   `json:"id"`
	RideID             uuid.UUID   `json:"ride_id"`
	DriverID           string      `json:"driver_id"`
	DriverLoc          Coord       `json:"driver_loc"`
	DistanceToPickupKm float64     `json:"distance_to_pickup_km"`
	ArrivalMinutes     int         `json:"arrival_minutes"`
	Status             OfferStatus `json:"status"`
	CreatedAt          time.Time   `json:"created_at"`
	ExpiresAt          time.Time   `json:"expires_at"`
	RespondedAt        *time.Time  `json:"responded_at,omitempty"`
}

func (o *RideOffer) IsExpired(now time.Time) bool { return !now.Before(o.ExpiresAt) }

// DriverAvailability is the current projection of a driver for matching.
// It always represents "now"; stale entries are skipped by the geo index.
type DriverAvailability struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Online    bool      `json:"online"`
	Busy      bool      `json:"busy"`
	Rating    float64   `json:"rating"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is a geo-index query result: an eligible driver and its
// distance from the queried point.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
}

// FareBreakdown itemizes the components behind a ride's fare for audit.
// Immutable once the ride reaches a billable terminal state.
type FareBreakdown struct {
	RideID uuid.UUID `json:"ride_id"`

	BaseFare      decimal.Decimal `json:"base_fare"`
	PerKmRate     decimal.Decimal `json:"per_km_rate"`
	PerMinuteRate decimal.Decimal `json:"per_minute_rate"`

	DistanceCharge decimal.Decimal `json:"distance_charge"`
	TimeCharge     decimal.Decimal `json:"time_charge"`
	SurgeCharge    decimal.Decimal `json:"surge_charge"`
	NightCharge    decimal.Decimal `json:"night_charge"`
	TollCharge     decimal.Decimal `json:"toll_charge"`

	PromoDiscount   decimal.Decimal `json:"promo_discount"`
	LoyaltyDiscount decimal.Decimal `json:"loyalty_discount"`

	SurgeMultiplier decimal.Decimal `json:"surge_multiplier"`
	VATRate         decimal.Decimal `json:"vat_rate"`
	VATAmount       decimal.Decimal `json:"vat_amount"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	TotalAmount decimal.Decimal `json:"total_amount"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RideStatusEvent is one append-only entry in a ride's audit trail.
// Events for a single ride are strictly ordered by Seq.
type RideStatusEvent struct {
	ID        uuid.UUID      `json:"id"`
	RideID    uuid.UUID      `json:"ride_id"`
	Seq       int            `json:"seq"`
	From      RideStatus     `json:"from_status"`
	To        RideStatus     `json:"to_status"`
	Actor     Actor          `json:"actor"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LocationUpdate is the wire shape of a driver location message on the
// location feed.
type LocationUpdate struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Online    bool      `json:"online"`
	Rating    float64   `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Policy holds the orchestration-level business rules.
type Policy struct {
	// CustomerCancelGrace is how long after creation a customer may
	// cancel without a fee.
	CustomerCancelGrace time.Duration
	CustomerCancelFee   decimal.Decimal
	DriverCancelFee     decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		CustomerCancelGrace: 2 * time.Minute,
		CustomerCancelFee:   decimal.NewFromInt(500),
		DriverCancelFee:     decimal.NewFromInt(1000),
	}
}

// CreateRideInput is the validated request surface for a new booking.
type CreateRideInput struct {
	CustomerID    string               `json:"customer_id"`
	Pickup        models.GeoPoint      `json:"pickup"`
	Destination   models.GeoPoint      `json:"destination"`
	Category      models.Category      `json:"category"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Notes         string               `json:"notes"`
}

// CreateRideOutput bundles the persisted ride with the immediate
// matching outcome.
type CreateRideOutput struct {
	Ride  *models.Ride    `json:"ride"`
	Match matching.Result `json:"match"`
}

// Orchestrator sequences validation, fare estimation, persistence,
// matching and collaborator fan-out. It owns none of the component
// invariants; those live in the fare calculator, the state machine and
// the matching engine.
type Orchestrator struct {
	store    storage.Store
	fares    *fare.Calculator
	matcher  *matching.Engine
	sm       *lifecycle.StateMachine
	notifier dispatch.Notifier
	logger   *slog.Logger
	policy   Policy
	now      func() time.Time
}

func NewOrchestrator(store storage.Store, fares *fare.Calculator, matcher *matching.Engine, sm *lifecycle.StateMachine, notifier dispatch.Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		fares:    fares,
		matcher:  matcher,
		sm:       sm,
		notifier: notifier,
		logger:   logger,
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
}

// WithPolicy overrides the default cancellation policy.
func (o *Orchestrator) WithPolicy(p Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithClock substitutes the time source, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// CreateRide validates the request, prices it, persists the ride in
// requested status and kicks off driver matching. The caller gets the
// ride plus the matching outcome in one round trip.
func (o *Orchestrator) CreateRide(ctx context.Context, in CreateRideInput) (*CreateRideOutput, error) {
	if err := o.validateCreate(ctx, in); err != nil {
		return nil, err
	}

	now := o.now()
	quote, err := o.fares.Estimate(in.Pickup.Coord, in.Destination.Coord, in.Category, now)
	if err != nil {
		return nil, err
	}

	bd := quote.Breakdown
	ride := &models.Ride{
		ID:                   uuid.New(),
		CustomerID:           in.CustomerID,
		Category:             in.Category,
		Status:               models.StatusRequested,
		Pickup:               in.Pickup,
		Destination:          in.Destination,
		EstimatedDistanceKm:  quote.DistanceKm,
		EstimatedDurationMin: quote.DurationMin,
		BaseFare:             bd.BaseFare,
		DistanceFare:         bd.DistanceCharge,
		TimeFare:             bd.TimeCharge,
		SurgeMultiplier:      bd.SurgeMultiplier,
		TotalFare:            bd.BaseFare.Add(bd.DistanceCharge).Add(bd.TimeCharge).Mul(bd.SurgeMultiplier).Round(2),
		PaymentMethod:        in.PaymentMethod,
		PaymentStatus:        models.PaymentStatusPending,
		CancellationFee:      decimal.Zero,
		CustomerNotes:        in.Notes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := o.store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	result, err := o.matcher.Match(ctx, ride)
	if err != nil {
		return nil, err
	}

	// fan-out after the core commit: best-effort, never rolled back
	if err := o.notifier.RideEvent("ride_created", ride, models.RoleCustomer); err != nil {
		o.logger.Debug("create notification failed", "ride_id", ride.ID, "error", err)
	}

	o.logger.Info("ride created",
		"ride_id", ride.ID, "customer_id", in.CustomerID,
		"category", in.Category, "match_status", result.Status,
		"offers", result.OffersCreated)

	return &CreateRideOutput{Ride: ride, Match: result}, nil
}

func (o *Orchestrator) validateCreate(ctx context.Context, in CreateRideInput) error {
	if in.CustomerID == "" {
		return apperrors.Validation("customer_id", "required")
	}
	if err := validatePoint("pickup", in.Pickup); err != nil {
		return err
	}
	if err := validatePoint("destination", in.Destination); err != nil {
		return err
	}
	if !in.Category.Valid() {
		return apperrors.Validationf("category", "unknown ride category %q", in.Category)
	}
	switch in.PaymentMethod {
	case models.PaymentCash, models.PaymentMobileMoney, models.PaymentCard:
	default:
		return apperrors.Validationf("payment_method", "unknown payment method %q", in.PaymentMethod)
	}

	active, err := o.store.ListRidesByCustomer(ctx, in.CustomerID, models.ActiveStatuses)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return apperrors.Validation("customer_id", "customer already has an active ride")
	}
	return nil
}

func validatePoint(field string, p models.GeoPoint) error {
	if p.Address == "" {
		return apperrors.Validation(field+".address", "required")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return apperrors.Validationf(field+".lat", "latitude %.4f out of range", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return apperrors.Validationf(field+".lon", "longitude %.4f out of range", p.Lon)
	}
	return nil
}

// TransitionInput is a status change request. Drivers may report the
// measured trip figures alongside the completion; the final fare is
// recomputed from them.
type TransitionInput struct {
	To                models.RideStatus `json:"to"`
	Actor             models.Actor      `json:"actor"`
	Reason            string            `json:"reason"`
	ActualDistanceKm  float64           `json:"actual_distance_km,omitempty"`
	ActualDurationMin int               `json:"actual_duration_min,omitempty"`
}

// Transition forwards a status change request to the state machine and
// fans out the result.
func (o *Orchestrator) Transition(ctx context.Context, rideID uuid.UUID, in TransitionInput) (*models.Ride, error) {
	var ride *models.Ride
	var err error
	if in.ActualDistanceKm > 0 || in.ActualDurationMin > 0 {
		// record the actuals inside the same critical section as the
		// transition so the fare finalizer sees them
		locks := o.sm.Locks()
		locks.Lock(rideID)
		cur, gerr := o.store.GetRide(ctx, rideID)
		if gerr != nil {
			locks.Unlock(rideID)
			return nil, gerr
		}
		// a rejected transition must not leave reported actuals behind
		if verr := o.sm.Validate(cur, in.To, in.Actor); verr != nil {
			locks.Unlock(rideID)
			return nil, verr
		}
		if in.ActualDistanceKm > 0 {
			cur.ActualDistanceKm = in.ActualDistanceKm
		}
		if in.ActualDurationMin > 0 {
			cur.ActualDurationMin = in.ActualDurationMin
		}
		if uerr := o.store.UpdateRide(ctx, cur); uerr != nil {
			locks.Unlock(rideID)
			return nil, uerr
		}
		ride, err = o.sm.TransitionLocked(ctx, rideID, in.To, in.Actor, in.Reason)
		locks.Unlock(rideID)
	} else {
		ride, err = o.sm.Transition(ctx, rideID, in.To, in.Actor, in.Reason)
	}
	if err != nil {
		return nil, err
	}
	o.notifyBoth(ride, "status_"+string(in.To))
	return ride, nil
}

// CancelRide maps the actor's role to the proper cancellation status,
// applies it and assesses the cancellation fee.
func (o *Orchestrator) CancelRide(ctx context.Context, rideID uuid.UUID, actor models.Actor, reason string) (*models.Ride, error) {
	var to models.RideStatus
	switch actor.Role {
	case models.RoleCustomer:
		to = models.StatusCancelledByCustomer
	case models.RoleDriver:
		to = models.StatusCancelledByDriver
	default:
		to = models.StatusCancelledBySystem
	}

	ride, err := o.sm.Transition(ctx, rideID, to, actor, reason)
	if err != nil {
		return nil, err
	}

	fee := o.cancellationFee(ride, actor)
	if fee.IsPositive() {
		ride.CancellationFee = fee
		ride.UpdatedAt = o.now()
		if err := o.store.UpdateRide(ctx, ride); err != nil {
			o.logger.Error("persist cancellation fee failed", "ride_id", ride.ID, "error", err)
		}
	}

	o.notifyBoth(ride, "ride_cancelled")
	o.logger.Info("ride cancelled",
		"ride_id", ride.ID, "by", actor.Role, "reason", reason, "fee", fee)
	return ride, nil
}

// cancellationFee implements the fee schedule: customers cancel free
// inside the grace period, drivers pay the penalty once assigned.
func (o *Orchestrator) cancellationFee(ride *models.Ride, actor models.Actor) decimal.Decimal {
	switch actor.Role {
	case models.RoleCustomer:
		if o.now().Sub(ride.CreatedAt) < o.policy.CustomerCancelGrace {
			return decimal.Zero
		}
		return o.policy.CustomerCancelFee
	case models.RoleDriver:
		return o.policy.DriverCancelFee
	default:
		return decimal.Zero
	}
}

// RetryMatch reopens a no_driver_found ride and runs matching again —
// the one documented exception to status terminality.
func (o *Orchestrator) RetryMatch(ctx context.Context, rideID uuid.UUID, actor models.Actor) (*CreateRideOutput, error) {
	if actor.Role == models.RoleCustomer {
		// customers may retry their own ride; the guard below rejects others
		ride, err := o.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if ride.CustomerID != actor.ID {
			return nil, apperrors.ErrNotFound
		}
		actor = models.SystemActor
	}
	ride, err := o.sm.Transition(ctx, rideID, models.StatusRequested, actor, "match retry")
	if err != nil {
		return nil, err
	}
	result, err := o.matcher.Match(ctx, ride)
	if err != nil {
		return nil, err
	}
	return &CreateRideOutput{Ride: ride, Match: result}, nil
}

// GetRide returns one ride by id.
func (o *Orchestrator) GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error) {
	return o.store.GetRide(ctx, rideID)
}

// ListActive returns the caller's open rides. Drivers only see rides
// they are assigned to; customers see everything non-terminal.
func (o *Orchestrator) ListActive(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error) {
	if role == models.RoleDriver {
		return o.store.ListRidesByDriver(ctx, userID, models.DriverActiveStatuses)
	}
	return o.store.ListRidesByCustomer(ctx, userID, models.ActiveStatuses)
}

// ListHistory returns the caller's closed rides.
func (o *Orchestrator) ListHistory(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error) {
	if role == models.RoleDriver {
		return o.store.ListRidesByDriver(ctx, userID, models.TerminalStatuses)
	}
	return o.store.ListRidesByCustomer(ctx, userID, models.TerminalStatuses)
}

// ListEvents returns a ride's ordered status audit trail.
func (o *Orchestrator) ListEvents(ctx context.Context, rideID uuid.UUID) ([]*models.RideStatusEvent, error) {
	return o.store.ListEvents(ctx, rideID)
}

func (o *Orchestrator) notifyBoth(ride *models.Ride, event string) {
	if err := o.notifier.RideEvent(event, ride, models.RoleCustomer); err != nil {
		o.logger.Debug("customer notification failed", "ride_id", ride.ID, "error", err)
	}
	if ride.DriverID != "" {
		if err := o.notifier.RideEvent(event, ride, models.RoleDriver); err != nil {
			o.logger.Debug("driver notification failed", "ride_id", ride.ID, "error", err)
		}
	}
}

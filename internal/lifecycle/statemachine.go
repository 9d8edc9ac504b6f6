package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// transitions is the full adjacency table. Anything absent is rejected.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested: {
		models.StatusDriverAssigned, models.StatusCancelledByCustomer,
		models.StatusCancelledBySystem, models.StatusNoDriverFound,
	},
	models.StatusDriverAssigned: {
		models.StatusDriverArrived, models.StatusCancelledByCustomer, models.StatusCancelledByDriver,
	},
	models.StatusDriverArrived: {
		models.StatusInProgress, models.StatusCancelledByCustomer, models.StatusCancelledByDriver,
	},
	models.StatusInProgress: {
		models.StatusCompleted, models.StatusCancelledByDriver,
	},
	// the one exception to terminality: an explicit retry reopens the ride
	models.StatusNoDriverFound: {models.StatusRequested},
}

// AvailabilityMarker flips a driver's busy flag. Implemented by the geo
// index.
type AvailabilityMarker interface {
	SetBusy(ctx context.Context, driverID string, busy bool) error
}

// Finalizer produces the billable fare breakdown on completion.
type Finalizer interface {
	Finalize(ride *models.Ride, actualKm float64, actualMin int, at time.Time) (models.FareBreakdown, error)
}

// PaymentProcessor is the external payment collaborator. Failures are
// never fatal to a transition.
type PaymentProcessor interface {
	Capture(ctx context.Context, ride *models.Ride) error
	Refund(ctx context.Context, ride *models.Ride) error
}

// StatusPublisher relays committed status changes to any real-time
// tracking layer. Best-effort.
type StatusPublisher interface {
	PublishStatusChange(ev models.RideStatusEvent, ride *models.Ride)
}

// StateMachine owns ride status. Every mutation of a ride's status goes
// through Transition, which enforces the adjacency table, actor guards,
// one-shot timestamps and the mandatory side effects, then appends the
// audit event.
type StateMachine struct {
	store     storage.Store
	avail     AvailabilityMarker
	fares     Finalizer
	payments  PaymentProcessor
	publisher StatusPublisher
	logger    *slog.Logger
	locks     *RideLocks
	now       func() time.Time
}

func NewStateMachine(store storage.Store, avail AvailabilityMarker, fares Finalizer, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		store:  store,
		avail:  avail,
		fares:  fares,
		logger: logger,
		locks:  NewRideLocks(),
		now:    time.Now,
	}
}

// WithPayments attaches the payment collaborator.
func (m *StateMachine) WithPayments(p PaymentProcessor) *StateMachine {
	m.payments = p
	return m
}

// WithPublisher attaches the status-change publisher.
func (m *StateMachine) WithPublisher(p StatusPublisher) *StateMachine {
	m.publisher = p
	return m
}

// WithClock substitutes the time source, for tests.
func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	m.now = now
	return m
}

// Locks exposes the per-ride lock registry so the matching engine can
// extend the critical section around offer arbitration.
func (m *StateMachine) Locks() *RideLocks { return m.locks }

// Transition drives a ride to the requested status under the per-ride
// lock.
func (m *StateMachine) Transition(ctx context.Context, rideID uuid.UUID, to models.RideStatus, actor models.Actor, reason string) (*models.Ride, error) {
	m.locks.Lock(rideID)
	defer m.locks.Unlock(rideID)
	return m.TransitionLocked(ctx, rideID, to, actor, reason)
}

// TransitionLocked applies a transition assuming the caller already
// holds the ride lock. Either the status change, its mandatory side
// effects and the audit event all commit, or nothing does.
func (m *StateMachine) TransitionLocked(ctx context.Context, rideID uuid.UUID, to models.RideStatus, actor models.Actor, reason string) (*models.Ride, error) {
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(ride, to, actor); err != nil {
		return nil, err
	}

	now := m.now()
	from := ride.Status
	ride.Status = to
	ride.UpdatedAt = now

	var fareToSave *models.FareBreakdown
	var flip *availabilityFlip

	switch to {
	case models.StatusDriverAssigned:
		if actor.Role == models.RoleDriver {
			ride.DriverID = actor.ID
		}
		if ride.DriverID == "" {
			return nil, apperrors.Conflict(apperrors.ReasonActorNotAllowed, "no driver to assign")
		}
		if ride.AssignedAt == nil {
			ride.AssignedAt = &now
		}
		flip = &availabilityFlip{driverID: ride.DriverID, busy: true}
	case models.StatusDriverArrived:
		if ride.ArrivedAt == nil {
			ride.ArrivedAt = &now
		}
	case models.StatusInProgress:
		if ride.StartedAt == nil {
			ride.StartedAt = &now
		}
	case models.StatusCompleted:
		if ride.CompletedAt == nil {
			ride.CompletedAt = &now
		}
		if ride.ActualDurationMin == 0 && ride.StartedAt != nil {
			ride.ActualDurationMin = int(now.Sub(*ride.StartedAt).Minutes())
		}
		fb, err := m.fares.Finalize(ride, ride.ActualDistanceKm, ride.ActualDurationMin, now)
		if err != nil {
			return nil, fmt.Errorf("finalize fare: %w", err)
		}
		applyFinalFare(ride, &fb)
		fareToSave = &fb
		flip = &availabilityFlip{driverID: ride.DriverID, busy: false}
	case models.StatusRequested: // retry from no_driver_found
		ride.DriverID = ""
	default:
		if to.IsCancelled() {
			if ride.CancelledAt == nil {
				ride.CancelledAt = &now
			}
			ride.CancellationReason = reason
			if ride.DriverID != "" {
				flip = &availabilityFlip{driverID: ride.DriverID, busy: false}
			}
		}
	}

	if flip != nil {
		if err := m.avail.SetBusy(ctx, flip.driverID, flip.busy); err != nil {
			return nil, fmt.Errorf("flip driver availability: %w", err)
		}
	}

	ev := models.RideStatusEvent{
		ID:        uuid.New(),
		RideID:    ride.ID,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := m.store.ApplyTransition(ctx, ride, &ev, fareToSave); err != nil {
		// undo the availability flip so a failed persist cannot strand a
		// driver busy (or free one who is mid-ride)
		if flip != nil {
			if rerr := m.avail.SetBusy(ctx, flip.driverID, !flip.busy); rerr != nil {
				m.logger.Error("revert driver availability failed",
					"ride_id", ride.ID, "driver_id", flip.driverID, "error", rerr)
			}
		}
		return nil, err
	}

	observability.TransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Info("ride transition",
		"ride_id", ride.ID, "from", from, "to", to,
		"actor_role", actor.Role, "actor_id", actor.ID)

	// collaborators sit outside the transaction boundary: their failure
	// is recorded, never rolled back into the status change
	m.settlePayment(ctx, ride, to)

	if m.publisher != nil {
		m.publisher.PublishStatusChange(ev, ride)
	}
	return ride, nil
}

// availabilityFlip is a staged busy-flag change, applied just before the
// transition commits and reverted if the commit fails.
type availabilityFlip struct {
	driverID string
	busy     bool
}

// Validate checks adjacency and actor guards without mutating anything.
func (m *StateMachine) Validate(ride *models.Ride, to models.RideStatus, actor models.Actor) error {
	allowed := false
	for _, t := range transitions[ride.Status] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperrors.Conflictf(apperrors.ReasonIllegalTransition,
			"cannot move ride from %s to %s", ride.Status, to)
	}
	return m.checkActor(ride, to, actor)
}

func (m *StateMachine) checkActor(ride *models.Ride, to models.RideStatus, actor models.Actor) error {
	privileged := actor.Role == models.RoleSystem || actor.Role == models.RoleAdmin
	switch to {
	case models.StatusCancelledByCustomer:
		if !privileged && !(actor.Role == models.RoleCustomer && actor.ID == ride.CustomerID) {
			return apperrors.Conflict(apperrors.ReasonActorNotAllowed, "only the customer may cancel as customer")
		}
	case models.StatusCancelledByDriver:
		if !privileged && !(actor.Role == models.RoleDriver && actor.ID == ride.DriverID) {
			return apperrors.Conflict(apperrors.ReasonActorNotAllowed, "only the assigned driver may cancel as driver")
		}
	case models.StatusCancelledBySystem, models.StatusNoDriverFound:
		if !privileged {
			return apperrors.Conflict(apperrors.ReasonActorNotAllowed, "system transitions require system or admin actor")
		}
	case models.StatusDriverArrived, models.StatusInProgress, models.StatusCompleted:
		if !privileged && !(actor.Role == models.RoleDriver && actor.ID == ride.DriverID) {
			return apperrors.Conflict(apperrors.ReasonActorNotAllowed, "only the assigned driver may report trip progress")
		}
	}
	return nil
}

// settlePayment invokes the payment collaborator after a billable
// transition. Cash rides settle off-platform.
func (m *StateMachine) settlePayment(ctx context.Context, ride *models.Ride, to models.RideStatus) {
	if m.payments == nil || ride.PaymentMethod == models.PaymentCash {
		return
	}
	switch {
	case to == models.StatusCompleted:
		ride.PaymentStatus = models.PaymentStatusProcessing
		if err := m.payments.Capture(ctx, ride); err != nil {
			observability.PaymentFailuresTotal.Inc()
			m.logger.Error("payment capture failed", "ride_id", ride.ID, "error", err)
			ride.PaymentStatus = models.PaymentStatusFailed
		} else {
			ride.PaymentStatus = models.PaymentStatusCompleted
		}
	case to.IsCancelled() && ride.PaymentStatus == models.PaymentStatusCompleted:
		if err := m.payments.Refund(ctx, ride); err != nil {
			observability.PaymentFailuresTotal.Inc()
			m.logger.Error("payment refund failed", "ride_id", ride.ID, "error", err)
			ride.PaymentStatus = models.PaymentStatusFailed
		} else {
			ride.PaymentStatus = models.PaymentStatusRefunded
		}
	default:
		return
	}
	if err := m.store.UpdateRide(ctx, ride); err != nil {
		m.logger.Error("persist payment status failed", "ride_id", ride.ID, "error", err)
	}
}

// applyFinalFare copies the finalized pricing onto the ride aggregate.
// The ride-level total stays (base + distance + time) * surge; add-ons
// and VAT live on the breakdown.
func applyFinalFare(ride *models.Ride, fb *models.FareBreakdown) {
	ride.BaseFare = fb.BaseFare
	ride.DistanceFare = fb.DistanceCharge
	ride.TimeFare = fb.TimeCharge
	ride.SurgeMultiplier = fb.SurgeMultiplier
	ride.TotalFare = fb.BaseFare.Add(fb.DistanceCharge).Add(fb.TimeCharge).Mul(fb.SurgeMultiplier).Round(2)
}

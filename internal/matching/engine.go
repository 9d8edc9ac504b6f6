package matching

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Config holds the matching tunables.
type Config struct {
	RadiusKm      float64
	MaxCandidates int
	OfferTTL      time.Duration
	SweepInterval time.Duration
	// ArrivalSpeedKmh converts driver-to-pickup distance into the arrival
	// estimate shown on an offer.
	ArrivalSpeedKmh float64
	// MinArrivalMin floors the advertised arrival estimate.
	MinArrivalMin int
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:        10,
		MaxCandidates:   5,
		OfferTTL:        30 * time.Second,
		SweepInterval:   5 * time.Second,
		ArrivalSpeedKmh: 30,
		MinArrivalMin:   5,
	}
}

// MatchStatus is the outcome class of a match attempt.
type MatchStatus string

const (
	MatchSearching MatchStatus = "searching"
	MatchNoDrivers MatchStatus = "no_drivers"
)

// Result summarizes one match attempt.
type Result struct {
	Status           MatchStatus `json:"status"`
	OffersCreated    int         `json:"offers_created"`
	EstimatedWaitMin int         `json:"estimated_wait_minutes"`
}

// Engine broadcasts ride offers to nearby drivers and arbitrates the
// acceptance race so exactly one driver wins each ride.
type Engine struct {
	geo       geo.Geo
	store     storage.Store
	notifier  dispatch.Notifier
	lifecycle *lifecycle.StateMachine
	etaClient eta.Client
	etaCache  *eta.Cache
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func NewEngine(g geo.Geo, store storage.Store, notifier dispatch.Notifier, sm *lifecycle.StateMachine, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		geo:       g,
		store:     store,
		notifier:  notifier,
		lifecycle: sm,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithETA attaches an optional routing-engine ETA source and cache.
func (e *Engine) WithETA(c eta.Client, cache *eta.Cache) *Engine {
	e.etaClient = c
	e.etaCache = cache
	return e
}

// WithClock substitutes the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Match finds eligible drivers near the ride's pickup and fans out
// time-boxed offers. With no candidates the ride moves straight to
// no_driver_found so the caller always gets a bounded-time answer.
func (e *Engine) Match(ctx context.Context, ride *models.Ride) (Result, error) {
	start := e.now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.MatchesTotal.Inc()

	cands, err := e.geo.Nearby(ctx, ride.Pickup.Lat, ride.Pickup.Lon, e.cfg.RadiusKm, e.cfg.MaxCandidates)
	if err != nil {
		return Result{}, err
	}
	if len(cands) == 0 {
		observability.NoDriverFoundTotal.Inc()
		if _, err := e.lifecycle.Transition(ctx, ride.ID, models.StatusNoDriverFound, models.SystemActor, "no eligible drivers in radius"); err != nil {
			return Result{}, err
		}
		ride.Status = models.StatusNoDriverFound
		return Result{Status: MatchNoDrivers}, nil
	}

	now := e.now()
	expiresAt := now.Add(e.cfg.OfferTTL)
	created := 0
	for _, c := range cands {
		offer := &models.RideOffer{
			ID:                 uuid.New(),
			RideID:             ride.ID,
			DriverID:           c.DriverID,
			DriverLoc:          c.Loc,
			DistanceToPickupKm: c.DistanceKm,
			ArrivalMinutes:     e.arrivalMinutes(c, ride.Pickup.Coord),
			Status:             models.OfferPending,
			CreatedAt:          now,
			ExpiresAt:          expiresAt,
		}
		if err := e.store.CreateOffer(ctx, offer); err != nil {
			e.logger.Error("create offer failed", "ride_id", ride.ID, "driver_id", c.DriverID, "error", err)
			continue
		}
		created++
		observability.OffersCreatedTotal.Inc()
		if err := e.notifier.OfferCreated(ride, offer); err != nil {
			e.logger.Debug("offer notification failed", "driver_id", c.DriverID, "error", err)
		}
	}
	if created == 0 {
		observability.NoDriverFoundTotal.Inc()
		if _, err := e.lifecycle.Transition(ctx, ride.ID, models.StatusNoDriverFound, models.SystemActor, "offer dispatch failed for all candidates"); err != nil {
			return Result{}, err
		}
		ride.Status = models.StatusNoDriverFound
		return Result{Status: MatchNoDrivers}, nil
	}

	return Result{
		Status:           MatchSearching,
		OffersCreated:    created,
		EstimatedWaitMin: estimateWaitMinutes(cands[0].DistanceKm),
	}, nil
}

// arrivalMinutes estimates how long the driver needs to reach the
// pickup, preferring the routing engine when one is wired.
func (e *Engine) arrivalMinutes(c models.Candidate, pickup models.Coord) int {
	if e.etaClient != nil {
		if e.etaCache != nil {
			if sec, ok := e.etaCache.Get(c.Loc, pickup); ok {
				return secondsToMinutes(sec, e.cfg.MinArrivalMin)
			}
		}
		if sec, err := e.etaClient.EstimateSeconds(c.Loc, pickup); err == nil {
			if e.etaCache != nil {
				e.etaCache.Set(c.Loc, pickup, sec)
			}
			return secondsToMinutes(sec, e.cfg.MinArrivalMin)
		}
	}
	return eta.EstimateMinutes(c.Loc, pickup, e.cfg.ArrivalSpeedKmh, e.cfg.MinArrivalMin)
}

func secondsToMinutes(sec float64, floor int) int {
	m := int(sec/60) + 1
	if m < floor {
		m = floor
	}
	return m
}

// estimateWaitMinutes is the step function over the closest candidate's
// distance.
func estimateWaitMinutes(closestKm float64) int {
	switch {
	case closestKm < 2:
		return 5
	case closestKm < 5:
		return 10
	default:
		return 15
	}
}

// Accept resolves a driver's attempt to take an offer. The entire
// decision — offer still pending, not expired, ride still requested —
// and its consequences commit atomically under the ride's lock, so at
// most one offer per ride ever reaches accepted.
func (e *Engine) Accept(ctx context.Context, offerID uuid.UUID, driverID string) (*models.Ride, error) {
	offer, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.DriverID != driverID {
		return nil, apperrors.ErrNotFound
	}

	locks := e.lifecycle.Locks()
	locks.Lock(offer.RideID)
	defer locks.Unlock(offer.RideID)

	// re-read under the lock: the snapshot above may have lost a race
	offer, err = e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if err := e.checkAcceptable(ctx, offer, now); err != nil {
		if reason := apperrors.ConflictReasonOf(err); reason != "" {
			observability.OffersRejectedTotal.WithLabelValues(string(reason)).Inc()
		}
		return nil, err
	}

	ride, err := e.lifecycle.TransitionLocked(ctx, offer.RideID, models.StatusDriverAssigned,
		models.Actor{Role: models.RoleDriver, ID: driverID}, "offer accepted")
	if err != nil {
		return nil, err
	}

	offer.Status = models.OfferAccepted
	offer.RespondedAt = &now
	if err := e.store.UpdateOffer(ctx, offer); err != nil {
		e.logger.Error("persist accepted offer failed", "offer_id", offer.ID, "error", err)
	}
	e.expireSiblings(ctx, offer)
	observability.OffersAcceptedTotal.Inc()

	e.logger.Info("offer accepted", "ride_id", ride.ID, "driver_id", driverID, "offer_id", offer.ID)
	return ride, nil
}

// checkAcceptable validates the acceptance preconditions and maps each
// failure to its specific rejection reason.
func (e *Engine) checkAcceptable(ctx context.Context, offer *models.RideOffer, now time.Time) error {
	switch offer.Status {
	case models.OfferPending:
	case models.OfferExpired:
		// distinguish losing the race from a plain timeout
		if ride, err := e.store.GetRide(ctx, offer.RideID); err == nil && ride.Status == models.StatusDriverAssigned {
			return apperrors.Conflict(apperrors.ReasonAlreadyTaken, "another driver already took this ride")
		}
		return apperrors.Conflict(apperrors.ReasonExpired, "offer has expired")
	case models.OfferAccepted:
		return apperrors.Conflict(apperrors.ReasonAlreadyTaken, "offer already accepted")
	default:
		return apperrors.Conflict(apperrors.ReasonRideUnavailable, "offer is no longer open")
	}
	if offer.IsExpired(now) {
		offer.Status = models.OfferExpired
		if err := e.store.UpdateOffer(ctx, offer); err != nil {
			e.logger.Error("expire offer failed", "offer_id", offer.ID, "error", err)
		}
		observability.OffersExpiredTotal.Inc()
		return apperrors.Conflict(apperrors.ReasonExpired, "offer has expired")
	}
	ride, err := e.store.GetRide(ctx, offer.RideID)
	if err != nil {
		return err
	}
	if ride.Status != models.StatusRequested {
		if ride.Status == models.StatusDriverAssigned {
			return apperrors.Conflict(apperrors.ReasonAlreadyTaken, "another driver already took this ride")
		}
		return apperrors.Conflictf(apperrors.ReasonRideUnavailable, "ride is %s", ride.Status)
	}
	return nil
}

// expireSiblings closes every other pending offer for the same ride.
// Called with the ride lock held, so no sibling can concurrently accept.
func (e *Engine) expireSiblings(ctx context.Context, winner *models.RideOffer) {
	siblings, err := e.store.ListOffersByRide(ctx, winner.RideID)
	if err != nil {
		e.logger.Error("list sibling offers failed", "ride_id", winner.RideID, "error", err)
		return
	}
	for _, s := range siblings {
		if s.ID == winner.ID || s.Status != models.OfferPending {
			continue
		}
		s.Status = models.OfferExpired
		if err := e.store.UpdateOffer(ctx, s); err != nil {
			e.logger.Error("expire sibling offer failed", "offer_id", s.ID, "error", err)
			continue
		}
		observability.OffersExpiredTotal.Inc()
	}
}

// Decline records a driver's refusal. Declining never affects the ride;
// remaining offers keep racing.
func (e *Engine) Decline(ctx context.Context, offerID uuid.UUID, driverID string) error {
	offer, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.DriverID != driverID {
		return apperrors.ErrNotFound
	}
	locks := e.lifecycle.Locks()
	locks.Lock(offer.RideID)
	defer locks.Unlock(offer.RideID)

	offer, err = e.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status != models.OfferPending {
		return apperrors.Conflict(apperrors.ReasonRideUnavailable, "offer is no longer open")
	}
	now := e.now()
	offer.Status = models.OfferDeclined
	offer.RespondedAt = &now
	if err := e.store.UpdateOffer(ctx, offer); err != nil {
		return err
	}
	e.settleRideIfDeadLocked(ctx, offer.RideID)
	return nil
}

// Run drives the background sweep until the context ends. Acceptance
// re-checks expiry itself, so the sweep never races a winner; it only
// keeps the store tidy and bounds how long a ride can sit with dead
// offers.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires overdue pending offers and settles rides whose
// entire candidate set is gone.
func (e *Engine) SweepOnce(ctx context.Context) {
	overdue, err := e.store.ListPendingOffersBefore(ctx, e.now())
	if err != nil {
		e.logger.Error("sweep query failed", "error", err)
		return
	}
	touched := make(map[uuid.UUID]struct{})
	for _, o := range overdue {
		locks := e.lifecycle.Locks()
		locks.Lock(o.RideID)
		cur, err := e.store.GetOffer(ctx, o.ID)
		if err == nil && cur.Status == models.OfferPending && cur.IsExpired(e.now()) {
			cur.Status = models.OfferExpired
			if err := e.store.UpdateOffer(ctx, cur); err == nil {
				observability.OffersExpiredTotal.Inc()
			}
		}
		locks.Unlock(o.RideID)
		touched[o.RideID] = struct{}{}
	}
	for rideID := range touched {
		e.settleRideIfDead(ctx, rideID)
	}
}

// settleRideIfDead moves a still-requested ride with no surviving offers
// to no_driver_found.
func (e *Engine) settleRideIfDead(ctx context.Context, rideID uuid.UUID) {
	locks := e.lifecycle.Locks()
	locks.Lock(rideID)
	defer locks.Unlock(rideID)
	e.settleRideIfDeadLocked(ctx, rideID)
}

// settleRideIfDeadLocked is settleRideIfDead with the ride lock already
// held by the caller.
func (e *Engine) settleRideIfDeadLocked(ctx context.Context, rideID uuid.UUID) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil || ride.Status != models.StatusRequested {
		return
	}
	offers, err := e.store.ListOffersByRide(ctx, rideID)
	if err != nil || len(offers) == 0 {
		return
	}
	for _, o := range offers {
		if o.Status == models.OfferPending {
			return
		}
	}
	observability.NoDriverFoundTotal.Inc()
	if _, err := e.lifecycle.TransitionLocked(ctx, rideID, models.StatusNoDriverFound, models.SystemActor, "all offers expired or declined"); err != nil {
		e.logger.Error("settle ride failed", "ride_id", rideID, "error", err)
	}
}

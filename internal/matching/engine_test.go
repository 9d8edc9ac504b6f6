package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu     sync.Mutex
	offers []string // driver ids notified
	events []string
}

func (f *fakeNotifier) OfferCreated(ride *models.Ride, offer *models.RideOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer.DriverID)
	return nil
}

func (f *fakeNotifier) RideEvent(event string, ride *models.Ride, role models.ActorRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type harness struct {
	engine   *Engine
	store    *storage.MemoryStore
	geo      *geo.Index
	notifier *fakeNotifier
	sm       *lifecycle.StateMachine
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	g := geo.NewIndex(2 * time.Minute).WithClock(clock)
	n := &fakeNotifier{}
	sm := lifecycle.NewStateMachine(store, g, fare.NewCalculator(fare.DefaultConfig()), logging.NewNop()).
		WithClock(clock)
	eng := NewEngine(g, store, n, sm, DefaultConfig(), logging.NewNop()).WithClock(clock)
	return &harness{engine: eng, store: store, geo: g, notifier: n, sm: sm, now: now}
}

func (h *harness) addDriver(t *testing.T, id string, latOffset float64) {
	t.Helper()
	if err := h.geo.Upsert(context.Background(), models.DriverAvailability{
		DriverID:  id,
		Loc:       models.Coord{Lat: -1.9441 + latOffset, Lon: 30.0619},
		Online:    true,
		Rating:    4.5,
		UpdatedAt: h.now,
	}); err != nil {
		t.Fatalf("upsert driver: %v", err)
	}
}

func (h *harness) addRide(t *testing.T) *models.Ride {
	t.Helper()
	ride := &models.Ride{
		ID:                   uuid.New(),
		CustomerID:           "c1",
		Category:             models.CategoryStandard,
		Status:               models.StatusRequested,
		Pickup:               models.GeoPoint{Coord: models.Coord{Lat: -1.9441, Lon: 30.0619}, Address: "Kigali Heights"},
		Destination:          models.GeoPoint{Coord: models.Coord{Lat: -1.9706, Lon: 30.1044}, Address: "Airport"},
		EstimatedDistanceKm:  5.5,
		EstimatedDurationMin: 16,
		SurgeMultiplier:      decimal.NewFromInt(1),
		PaymentMethod:        models.PaymentCash,
		CreatedAt:            h.now,
		UpdatedAt:            h.now,
	}
	if err := h.store.CreateRide(context.Background(), ride); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return ride
}

func TestMatchCreatesOffersForNearestDrivers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "near", 0.0108) // ~1.2km
	h.addDriver(t, "mid", 0.03)    // ~3.3km
	h.addDriver(t, "far", 0.06)    // ~6.7km
	ride := h.addRide(t)

	res, err := h.engine.Match(ctx, ride)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Status != MatchSearching {
		t.Fatalf("status = %s, want searching", res.Status)
	}
	if res.OffersCreated != 3 {
		t.Fatalf("offers = %d, want 3", res.OffersCreated)
	}
	// closest candidate ~1.2km -> 5 minute wait bucket
	if res.EstimatedWaitMin != 5 {
		t.Fatalf("wait = %d, want 5", res.EstimatedWaitMin)
	}

	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)
	if len(offers) != 3 {
		t.Fatalf("stored offers = %d, want 3", len(offers))
	}
	for _, o := range offers {
		if o.Status != models.OfferPending {
			t.Fatalf("offer %s status = %s, want pending", o.ID, o.Status)
		}
		if !o.ExpiresAt.Equal(h.now.Add(30 * time.Second)) {
			t.Fatalf("expiry = %v, want created+30s", o.ExpiresAt)
		}
	}
	if len(h.notifier.offers) != 3 {
		t.Fatalf("notified %d drivers, want 3", len(h.notifier.offers))
	}
}

func TestMatchNoDrivers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ride := h.addRide(t)

	res, err := h.engine.Match(ctx, ride)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Status != MatchNoDrivers {
		t.Fatalf("status = %s, want no_drivers", res.Status)
	}
	stored, _ := h.store.GetRide(ctx, ride.ID)
	if stored.Status != models.StatusNoDriverFound {
		t.Fatalf("ride status = %s, want no_driver_found", stored.Status)
	}
	events, _ := h.store.ListEvents(ctx, ride.ID)
	if len(events) != 1 || events[0].To != models.StatusNoDriverFound {
		t.Fatalf("expected a no_driver_found audit event, got %+v", events)
	}
}

func TestMatchCapsCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		h.addDriver(t, string(rune('a'+i)), 0.001*float64(i+1))
	}
	ride := h.addRide(t)

	res, err := h.engine.Match(ctx, ride)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.OffersCreated != 5 {
		t.Fatalf("offers = %d, want cap of 5", res.OffersCreated)
	}
}

func TestAcceptWinnerExpiresSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	h.addDriver(t, "d2", 0.02)
	h.addDriver(t, "d3", 0.03)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)

	got, err := h.engine.Accept(ctx, offers[0].ID, offers[0].DriverID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusDriverAssigned || got.DriverID != offers[0].DriverID {
		t.Fatalf("ride = %s/%s, want driver_assigned/%s", got.Status, got.DriverID, offers[0].DriverID)
	}

	after, _ := h.store.ListOffersByRide(ctx, ride.ID)
	for _, o := range after {
		switch o.ID {
		case offers[0].ID:
			if o.Status != models.OfferAccepted {
				t.Fatalf("winner status = %s, want accepted", o.Status)
			}
		default:
			if o.Status != models.OfferExpired {
				t.Fatalf("sibling %s status = %s, want expired", o.ID, o.Status)
			}
		}
	}

	// winner is unavailable for further matching
	if d, ok := h.geo.Get(offers[0].DriverID); !ok || !d.Busy {
		t.Fatal("winning driver should be marked busy")
	}
}

func TestAcceptRaceHasExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	h.addDriver(t, "d2", 0.02)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)
	if len(offers) != 2 {
		t.Fatalf("offers = %d, want 2", len(offers))
	}

	type outcome struct {
		driver string
		err    error
	}
	results := make(chan outcome, 2)
	var start sync.WaitGroup
	start.Add(1)
	for _, o := range offers {
		o := o
		go func() {
			start.Wait()
			_, err := h.engine.Accept(ctx, o.ID, o.DriverID)
			results <- outcome{driver: o.DriverID, err: err}
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			wins++
			continue
		}
		losses++
		if apperrors.ConflictReasonOf(r.err) != apperrors.ReasonAlreadyTaken {
			t.Fatalf("loser should see ALREADY_TAKEN, got %v", r.err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	stored, _ := h.store.GetRide(ctx, ride.ID)
	if stored.Status != models.StatusDriverAssigned {
		t.Fatalf("ride status = %s, want driver_assigned", stored.Status)
	}
}

func TestAcceptExpiredOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)

	// move the clock past the TTL; expiry is checked lazily at acceptance
	h.engine.WithClock(func() time.Time { return h.now.Add(31 * time.Second) })

	_, err := h.engine.Accept(ctx, offers[0].ID, "d1")
	if apperrors.ConflictReasonOf(err) != apperrors.ReasonExpired {
		t.Fatalf("expected EXPIRED, got %v", err)
	}
	cur, _ := h.store.GetOffer(ctx, offers[0].ID)
	if cur.Status != models.OfferExpired {
		t.Fatalf("offer status = %s, want expired", cur.Status)
	}
}

func TestAcceptWrongDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)

	if _, err := h.engine.Accept(ctx, offers[0].ID, "intruder"); err == nil {
		t.Fatal("expected rejection for a driver accepting someone else's offer")
	}
}

func TestAcceptAfterCustomerCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)

	if _, err := h.sm.Transition(ctx, ride.ID, models.StatusCancelledByCustomer,
		models.Actor{Role: models.RoleCustomer, ID: "c1"}, "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := h.engine.Accept(ctx, offers[0].ID, "d1")
	if apperrors.ConflictReasonOf(err) != apperrors.ReasonRideUnavailable {
		t.Fatalf("expected RIDE_UNAVAILABLE, got %v", err)
	}
}

func TestDeclineAllSettlesRide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	h.addDriver(t, "d2", 0.02)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}
	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)

	if err := h.engine.Decline(ctx, offers[0].ID, offers[0].DriverID); err != nil {
		t.Fatalf("decline 1: %v", err)
	}
	// one offer still pending, ride stays open
	mid, _ := h.store.GetRide(ctx, ride.ID)
	if mid.Status != models.StatusRequested {
		t.Fatalf("ride closed early: %s", mid.Status)
	}

	if err := h.engine.Decline(ctx, offers[1].ID, offers[1].DriverID); err != nil {
		t.Fatalf("decline 2: %v", err)
	}
	final, _ := h.store.GetRide(ctx, ride.ID)
	if final.Status != models.StatusNoDriverFound {
		t.Fatalf("ride status = %s, want no_driver_found after all declines", final.Status)
	}
}

func TestSweepExpiresOverdueOffersAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.01)
	ride := h.addRide(t)
	if _, err := h.engine.Match(ctx, ride); err != nil {
		t.Fatalf("match: %v", err)
	}

	h.engine.WithClock(func() time.Time { return h.now.Add(time.Minute) })
	h.engine.SweepOnce(ctx)

	offers, _ := h.store.ListOffersByRide(ctx, ride.ID)
	if offers[0].Status != models.OfferExpired {
		t.Fatalf("offer status = %s, want expired after sweep", offers[0].Status)
	}
	stored, _ := h.store.GetRide(ctx, ride.ID)
	if stored.Status != models.StatusNoDriverFound {
		t.Fatalf("ride status = %s, want no_driver_found after sweep", stored.Status)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreRideCopySemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ride := &models.Ride{ID: uuid.New(), CustomerID: "c1", Status: models.StatusRequested}
	if err := s.CreateRide(ctx, ride); err != nil {
		t.Fatalf("create: %v", err)
	}

	// mutating the caller's copy must not leak into the store
	ride.Status = models.StatusCompleted
	got, err := s.GetRide(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRequested {
		t.Fatalf("store leaked caller mutation: %s", got.Status)
	}

	// and mutating a read result must not change the store either
	got.CustomerID = "hacked"
	again, _ := s.GetRide(ctx, ride.ID)
	if again.CustomerID != "c1" {
		t.Fatalf("store leaked read mutation: %s", again.CustomerID)
	}
}

func TestMemoryStoreUnknownIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetRide(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.UpdateRide(ctx, &models.Ride{ID: uuid.New()}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if _, err := s.GetOffer(ctx, uuid.New()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendEventAssignsSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rideID := uuid.New()
	otherID := uuid.New()

	for i := 0; i < 3; i++ {
		ev := &models.RideStatusEvent{ID: uuid.New(), RideID: rideID}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq != i+1 {
			t.Fatalf("seq = %d, want %d", ev.Seq, i+1)
		}
	}
	// sequences are per ride, not global
	ev := &models.RideStatusEvent{ID: uuid.New(), RideID: otherID}
	s.AppendEvent(ctx, ev)
	if ev.Seq != 1 {
		t.Fatalf("other ride seq = %d, want 1", ev.Seq)
	}

	events, _ := s.ListEvents(ctx, rideID)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
}

func TestListPendingOffersBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(status models.OfferStatus, expires time.Time) *models.RideOffer {
		o := &models.RideOffer{ID: uuid.New(), RideID: uuid.New(), Status: status, ExpiresAt: expires}
		if err := s.CreateOffer(ctx, o); err != nil {
			t.Fatalf("create offer: %v", err)
		}
		return o
	}
	overdue := mk(models.OfferPending, now.Add(-time.Second))
	mk(models.OfferPending, now.Add(time.Minute))
	mk(models.OfferDeclined, now.Add(-time.Minute))

	got, err := s.ListPendingOffersBefore(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue pending offer, got %+v", got)
	}
}

func TestListRidesFiltersByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mk := func(status models.RideStatus, created time.Time) *models.Ride {
		r := &models.Ride{ID: uuid.New(), CustomerID: "c1", DriverID: "d1", Status: status, CreatedAt: created}
		s.CreateRide(ctx, r)
		return r
	}
	mk(models.StatusCompleted, time.Now().Add(-2*time.Hour))
	open := mk(models.StatusInProgress, time.Now())

	active, err := s.ListRidesByCustomer(ctx, "c1", models.ActiveStatuses)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ID != open.ID {
		t.Fatalf("expected only the in-progress ride, got %d", len(active))
	}

	all, _ := s.ListRidesByCustomer(ctx, "c1", nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 rides with no filter, got %d", len(all))
	}
	// newest first
	if all[0].ID != open.ID {
		t.Fatal("expected newest-first ordering")
	}

	byDriver, _ := s.ListRidesByDriver(ctx, "d1", models.DriverActiveStatuses)
	if len(byDriver) != 1 {
		t.Fatalf("driver active = %d, want 1", len(byDriver))
	}
}

func TestApplyTransitionWritesRideEventAndFare(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ride := &models.Ride{ID: uuid.New(), CustomerID: "c1", Status: models.StatusInProgress}
	if err := s.CreateRide(ctx, ride); err != nil {
		t.Fatalf("create: %v", err)
	}

	ride.Status = models.StatusCompleted
	ev := &models.RideStatusEvent{ID: uuid.New(), RideID: ride.ID,
		From: models.StatusInProgress, To: models.StatusCompleted}
	fb := &models.FareBreakdown{RideID: ride.ID}
	if err := s.ApplyTransition(ctx, ride, ev, fb); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, _ := s.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if ev.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev.Seq)
	}
	events, _ := s.ListEvents(ctx, ride.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if _, err := s.GetFare(ctx, ride.ID); err != nil {
		t.Fatalf("fare not stored: %v", err)
	}
}

func TestApplyTransitionUnknownRideWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ride := &models.Ride{ID: uuid.New(), Status: models.StatusCompleted}
	ev := &models.RideStatusEvent{ID: uuid.New(), RideID: ride.ID}

	if err := s.ApplyTransition(ctx, ride, ev, nil); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	events, _ := s.ListEvents(ctx, ride.ID)
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}

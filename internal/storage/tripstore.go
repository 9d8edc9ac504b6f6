package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore persists ride aggregates.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	ListRidesByCustomer(ctx context.Context, customerID string, statuses []models.RideStatus) ([]*models.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error)
}

// OfferStore persists ride offers.
type OfferStore interface {
	CreateOffer(ctx context.Context, o *models.RideOffer) error
	UpdateOffer(ctx context.Context, o *models.RideOffer) error
	GetOffer(ctx context.Context, id uuid.UUID) (*models.RideOffer, error)
	ListOffersByRide(ctx context.Context, rideID uuid.UUID) ([]*models.RideOffer, error)
	ListPendingOffersBefore(ctx context.Context, t time.Time) ([]*models.RideOffer, error)
}

// EventStore appends and reads the per-ride status audit trail. Seq is
// assigned by the store and strictly increases per ride.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *models.RideStatusEvent) error
	ListEvents(ctx context.Context, rideID uuid.UUID) ([]*models.RideStatusEvent, error)
}

// FareStore persists finalized fare breakdowns.
type FareStore interface {
	SaveFare(ctx context.Context, fb *models.FareBreakdown) error
	GetFare(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error)
}

// TransitionStore commits a ride mutation together with its audit event
// and, when present, the finalized fare as a single atomic write. Either
// everything lands or nothing does.
type TransitionStore interface {
	ApplyTransition(ctx context.Context, r *models.Ride, ev *models.RideStatusEvent, fb *models.FareBreakdown) error
}

// Store is the full persistence surface of the dispatch core.
type Store interface {
	RideStore
	OfferStore
	EventStore
	FareStore
	TransitionStore
}

// MemoryStore is the in-process Store used in tests and single-node
// runs. Values are copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[uuid.UUID]models.Ride
	offers map[uuid.UUID]models.RideOffer
	events map[uuid.UUID][]models.RideStatusEvent
	fares  map[uuid.UUID]models.FareBreakdown
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[uuid.UUID]models.Ride),
		offers: make(map[uuid.UUID]models.RideOffer),
		events: make(map[uuid.UUID][]models.RideStatusEvent),
		fares:  make(map[uuid.UUID]models.FareBreakdown),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return apperrors.ErrNotFound
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) ListRidesByCustomer(ctx context.Context, customerID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.CustomerID == customerID && statusIn(r.Status, statuses) {
			cp := r
			out = append(out, &cp)
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) ListRidesByDriver(ctx context.Context, driverID string, statuses []models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID && statusIn(r.Status, statuses) {
			cp := r
			out = append(out, &cp)
		}
	}
	sortRides(out)
	return out, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) UpdateOffer(ctx context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return apperrors.ErrNotFound
	}
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id uuid.UUID) (*models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) ListOffersByRide(ctx context.Context, rideID uuid.UUID) ([]*models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideOffer
	for _, o := range m.offers {
		if o.RideID == rideID {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceToPickupKm < out[j].DistanceToPickupKm })
	return out, nil
}

func (m *MemoryStore) ListPendingOffersBefore(ctx context.Context, t time.Time) ([]*models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideOffer
	for _, o := range m.offers {
		if o.Status == models.OfferPending && !t.Before(o.ExpiresAt) {
			cp := o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *models.RideStatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Seq = len(m.events[ev.RideID]) + 1
	m.events[ev.RideID] = append(m.events[ev.RideID], *ev)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, rideID uuid.UUID) ([]*models.RideStatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[rideID]
	out := make([]*models.RideStatusEvent, 0, len(evs))
	for _, ev := range evs {
		cp := ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SaveFare(ctx context.Context, fb *models.FareBreakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fares[fb.RideID] = *fb
	return nil
}

func (m *MemoryStore) GetFare(ctx context.Context, rideID uuid.UUID) (*models.FareBreakdown, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fb, ok := m.fares[rideID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := fb
	return &cp, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, r *models.Ride, ev *models.RideStatusEvent, fb *models.FareBreakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return apperrors.ErrNotFound
	}
	m.rides[r.ID] = *r
	ev.Seq = len(m.events[ev.RideID]) + 1
	m.events[ev.RideID] = append(m.events[ev.RideID], *ev)
	if fb != nil {
		m.fares[fb.RideID] = *fb
	}
	return nil
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sortRides(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
}

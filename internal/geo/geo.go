package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo answers "who is within radius R of point P" and tracks driver
// availability. Safe for concurrent use.
type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Candidate, error)
	Upsert(ctx context.Context, d models.DriverAvailability) error
	SetBusy(ctx context.Context, driverID string, busy bool) error
}

// Index is the in-memory geo index. Entries whose last update is older
// than Freshness are excluded from matching.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverAvailability
	freshness time.Duration
	now       func() time.Time
}

func NewIndex(freshness time.Duration) *Index {
	if freshness <= 0 {
		freshness = 2 * time.Minute
	}
	return &Index{
		drivers:   make(map[string]models.DriverAvailability),
		freshness: freshness,
		now:       time.Now,
	}
}

// WithClock substitutes the time source, for tests.
func (g *Index) WithClock(now func() time.Time) *Index {
	g.now = now
	return g
}

func (g *Index) Upsert(ctx context.Context, d models.DriverAvailability) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = g.now()
	}
	if prev, ok := g.drivers[d.DriverID]; ok {
		// location updates must not clobber the busy flag owned by the
		// lifecycle state machine
		d.Busy = prev.Busy
	}
	g.drivers[d.DriverID] = d
	return nil
}

func (g *Index) SetBusy(ctx context.Context, driverID string, busy bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.DriverAvailability{DriverID: driverID}
	}
	d.Busy = busy
	g.drivers[driverID] = d
	return nil
}

// Get returns the current availability snapshot for a driver.
func (g *Index) Get(driverID string) (models.DriverAvailability, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

// Nearby returns up to limit eligible drivers within radiusKm of the
// point, nearest first, ties broken by descending rating. A cheap
// bounding-box pass discards most drivers before the exact haversine
// computation. Empty result is valid, not an error.
func (g *Index) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	latDelta := radiusKm / 111.0
	lonDelta := radiusKm / (111.0 * math.Cos(lat*math.Pi/180))
	minLat, maxLat := lat-latDelta, lat+latDelta
	minLon, maxLon := lon-lonDelta, lon+lonDelta

	cutoff := g.now().Add(-g.freshness)

	out := make([]models.Candidate, 0, limit)
	for _, d := range g.drivers {
		if !d.Online || d.Busy || d.UpdatedAt.Before(cutoff) {
			continue
		}
		if d.Loc.Lat < minLat || d.Loc.Lat > maxLat || d.Loc.Lon < minLon || d.Loc.Lon > maxLon {
			continue
		}
		dist := HaversineKm(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.DriverID, Loc: d.Loc, DistanceKm: dist, Rating: d.Rating})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HaversineKm is the great-circle distance between two points in
// kilometers, Earth radius 6371 km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

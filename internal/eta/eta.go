package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface the matching engine uses to refine a driver's
// time-to-pickup. Optional: without one the analytic estimate applies.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// EstimateMinutes is the analytic driver-to-pickup estimate: straight
// haversine distance over the given speed, floored at minMinutes.
func EstimateMinutes(from, to models.Coord, speedKmh float64, minMinutes int) int {
	if speedKmh <= 0 {
		speedKmh = 30
	}
	d := geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon)
	minutes := int(math.Ceil(d / speedKmh * 60))
	if minutes < minMinutes {
		minutes = minMinutes
	}
	return minutes
}

// Cache is a tiny in-memory TTL cache for ETA lookups keyed by the
// coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

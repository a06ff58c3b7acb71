// Package routing estimates pickup->dropoff road distance for orders
// submitted without a distance hint. OSRM when configured, great-circle
// with a road-curvature factor otherwise; lookups are cached by
// coordinate pair.
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

// Client is the routing backend interface.
type Client interface {
	RouteKm(from, to models.Coord) (float64, error)
}

// roads are longer than the crow flies; applied to the haversine fallback
const detourFactor = 1.3

type Estimator struct {
	Client Client // optional OSRM client
	cache  *cache
}

func NewEstimator(client Client, ttl time.Duration) *Estimator {
	return &Estimator{Client: client, cache: newCache(ttl)}
}

// EstimateKm returns the best available distance estimate in km.
// Never fails: degradation ends at the haversine fallback.
func (e *Estimator) EstimateKm(from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.RouteKm(from, to); err == nil {
			if e.cache != nil {
				e.cache.set(from, to, v)
			}
			return v
		}
	}
	return geo.HaversineKm(from.Lat, from.Lng, to.Lat, to.Lng) * detourFactor
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

type cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		return nil
	}
	return &cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *cache) get(a, b models.Coord) (float64, bool) {
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

func (c *cache) set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

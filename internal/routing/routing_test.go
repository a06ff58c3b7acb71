package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
)

type fakeClient struct {
	km    float64
	err   error
	calls int
}

func (f *fakeClient) RouteKm(from, to models.Coord) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.km, nil
}

var (
	plateau = models.Coord{Lat: 5.3252, Lng: -4.0217}
	cocody  = models.Coord{Lat: 5.3447, Lng: -3.9866}
)

func TestEstimateUsesRoutingBackend(t *testing.T) {
	c := &fakeClient{km: 7.4}
	e := NewEstimator(c, time.Minute)
	assert.Equal(t, 7.4, e.EstimateKm(plateau, cocody))
}

func TestEstimateFallsBackToHaversine(t *testing.T) {
	c := &fakeClient{err: errors.New("osrm unreachable")}
	e := NewEstimator(c, time.Minute)

	got := e.EstimateKm(plateau, cocody)
	want := geo.HaversineKm(plateau.Lat, plateau.Lng, cocody.Lat, cocody.Lng) * detourFactor
	assert.InDelta(t, want, got, 1e-9)
}

func TestEstimateWithoutClient(t *testing.T) {
	e := NewEstimator(nil, 0)
	got := e.EstimateKm(plateau, cocody)
	assert.Greater(t, got, 0.0)
}

func TestEstimateCachesByCoordinatePair(t *testing.T) {
	c := &fakeClient{km: 7.4}
	e := NewEstimator(c, time.Minute)

	e.EstimateKm(plateau, cocody)
	e.EstimateKm(plateau, cocody)
	assert.Equal(t, 1, c.calls)

	// reverse direction is a distinct key
	e.EstimateKm(cocody, plateau)
	assert.Equal(t, 2, c.calls)
}

func TestEstimateFailedLookupNotCached(t *testing.T) {
	c := &fakeClient{err: errors.New("osrm unreachable")}
	e := NewEstimator(c, time.Minute)

	e.EstimateKm(plateau, cocody)
	e.EstimateKm(plateau, cocody)
	assert.Equal(t, 2, c.calls, "fallback results must not mask a recovered backend")
}

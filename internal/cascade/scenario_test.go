package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/geo"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/presence"
	"github.com/example/courier-dispatch/internal/scoring"
	"github.com/example/courier-dispatch/internal/storage"
)

// Two online drivers near the pickup, same recent load. The higher rated
// one gets the offer first, declines, and the other accepts.
func TestNearbyDriversOfferedByRating(t *testing.T) {
	pres := presence.NewStore(5*time.Minute, 30*time.Second, nil)
	pres.SetStatus("fast", presence.Update{Available: boolPtr(true), Lat: f64(5.31), Lng: f64(-4.03)})
	pres.SetStatus("steady", presence.Update{Available: boolPtr(true), Lat: f64(5.29), Lng: f64(-4.01)})
	pres.SetStatus("remote", presence.Update{Available: boolPtr(true), Lat: f64(6.80), Lng: f64(-5.30)})

	search := &geo.Search{Presence: pres}
	pickup := models.Coord{Lat: 5.30, Lng: -4.02}
	cands := search.FindNearby(pickup, 5)
	require.Len(t, cands, 2, "the distant driver is outside the search radius")

	store := storage.NewMemoryStore()
	store.SetDriverStats("fast", models.DriverStats{Rating: 4.8, Assigned24h: 3})
	store.SetDriverStats("steady", models.DriverStats{Rating: 4.2, Assigned24h: 3})

	scorer := &scoring.Scorer{Stats: store}
	order := models.Order{ID: "o1", ClientID: "c1", Status: models.StatusPending}
	ranked := scorer.Rank(context.Background(), cands, &order)
	require.Equal(t, "fast", ranked[0].DriverID)

	sender := newFakeSender("fast", "steady")
	out := &fakeOutcome{}
	d := NewDispatcher(time.Minute, sender, store, out, nil)

	require.True(t, d.Start(order, ranked))
	assert.Equal(t, []string{"fast"}, sender.offersTo())

	require.NoError(t, d.Decline("o1", "fast"))
	assert.Equal(t, []string{"fast", "steady"}, sender.offersTo())

	got, err := d.Accept(context.Background(), "o1", "steady")
	require.NoError(t, err)
	assert.Equal(t, "steady", got.DriverID)
	assert.Empty(t, out.exhaustedOrders())
}

func boolPtr(b bool) *bool   { return &b }
func f64(v float64) *float64 { return &v }

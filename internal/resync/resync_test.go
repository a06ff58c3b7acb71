package resync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/storage"
)

// staleListStore serves a canned list result while GetOrderByID answers
// from the live map, imitating a lagging read replica.
type staleListStore struct {
	*storage.MemoryStore
	staleList []models.Order
}

func (s *staleListStore) ActiveOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error) {
	return s.staleList, nil
}

type emptyCache struct{}

func (emptyCache) ActiveForParty(partyID, role string) []models.Order { return nil }

type sliceCache struct{ orders []models.Order }

func (c sliceCache) ActiveForParty(partyID, role string) []models.Order { return c.orders }

func seedOrder(t *testing.T, store *storage.MemoryStore, o models.Order) models.Order {
	t.Helper()
	require.NoError(t, store.CreateOrder(context.Background(), &o))
	return o
}

func TestResyncPartitionsPendingAndActive(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedOrder(t, store, models.Order{ID: "p1", ClientID: "c1", Status: models.StatusPending, CreatedAt: base})
	seedOrder(t, store, models.Order{ID: "a1", ClientID: "c1", DriverID: "d1", Status: models.StatusEnroute, CreatedAt: base.Add(time.Minute)})
	seedOrder(t, store, models.Order{ID: "a2", ClientID: "c1", DriverID: "d2", Status: models.StatusAccepted, CreatedAt: base.Add(2 * time.Minute)})

	r := &Resyncer{Store: store, Cache: emptyCache{}}
	res, err := r.Resync(context.Background(), "c1", "client")
	require.NoError(t, err)

	require.Len(t, res.Pending, 1)
	require.Len(t, res.Active, 2)
	assert.Equal(t, "p1", res.Pending[0].ID)
	assert.Equal(t, "a1", res.Active[0].ID, "active orders come back oldest first")
	require.NotNil(t, res.FirstPending)
	require.NotNil(t, res.FirstActive)
	assert.Equal(t, "p1", res.FirstPending.ID)
	assert.Equal(t, "a1", res.FirstActive.ID)
}

func TestResyncNeverResurrectsTerminalOrders(t *testing.T) {
	store := storage.NewMemoryStore()
	done := seedOrder(t, store, models.Order{ID: "done", ClientID: "c1", DriverID: "d1", Status: models.StatusCompleted})
	live := seedOrder(t, store, models.Order{ID: "live", ClientID: "c1", Status: models.StatusPending})

	// the list result is stale: it still carries the completed order as
	// enroute
	staleDone := done
	staleDone.Status = models.StatusEnroute
	wrapped := &staleListStore{MemoryStore: store, staleList: []models.Order{staleDone, live}}

	r := &Resyncer{Store: wrapped, Cache: emptyCache{}}
	res, err := r.Resync(context.Background(), "c1", "client")
	require.NoError(t, err)

	assert.Empty(t, res.Active, "re-verification must catch the stale completed order")
	require.Len(t, res.Pending, 1)
	assert.Equal(t, "live", res.Pending[0].ID)
}

func TestResyncDropsUnverifiableOrders(t *testing.T) {
	store := storage.NewMemoryStore()
	phantom := models.Order{ID: "phantom", ClientID: "c1", Status: models.StatusPending}
	wrapped := &staleListStore{MemoryStore: store, staleList: []models.Order{phantom}}

	r := &Resyncer{Store: wrapped, Cache: emptyCache{}}
	res, err := r.Resync(context.Background(), "c1", "client")
	require.NoError(t, err)
	assert.Empty(t, res.Pending)
	assert.Empty(t, res.Active)
}

func TestResyncMergesCacheOnlyOrders(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedOrder(t, store, models.Order{ID: "stored", ClientID: "c1", Status: models.StatusPending, CreatedAt: base.Add(time.Minute)})

	// admitted to the cache but its create write never landed
	unpersisted := models.Order{ID: "memory-only", ClientID: "c1", Status: models.StatusPending, CreatedAt: base}

	r := &Resyncer{Store: store, Cache: sliceCache{orders: []models.Order{unpersisted}}}
	res, err := r.Resync(context.Background(), "c1", "client")
	require.NoError(t, err)

	require.Len(t, res.Pending, 2)
	assert.Equal(t, "memory-only", res.Pending[0].ID, "merge sorts by creation time across sources")
	assert.Equal(t, "stored", res.Pending[1].ID)
}

func TestResyncDeduplicatesAcrossSources(t *testing.T) {
	store := storage.NewMemoryStore()
	o := seedOrder(t, store, models.Order{ID: "both", ClientID: "c1", Status: models.StatusPending})

	r := &Resyncer{Store: store, Cache: sliceCache{orders: []models.Order{o}}}
	res, err := r.Resync(context.Background(), "c1", "client")
	require.NoError(t, err)
	assert.Len(t, res.Pending, 1)
}

func TestResyncDriverRole(t *testing.T) {
	store := storage.NewMemoryStore()
	seedOrder(t, store, models.Order{ID: "mine", ClientID: "c1", DriverID: "d1", Status: models.StatusEnroute})
	seedOrder(t, store, models.Order{ID: "other", ClientID: "c1", DriverID: "d2", Status: models.StatusEnroute})

	r := &Resyncer{Store: store, Cache: emptyCache{}}
	res, err := r.Resync(context.Background(), "d1", "driver")
	require.NoError(t, err)
	require.Len(t, res.Active, 1)
	assert.Equal(t, "mine", res.Active[0].ID)
	assert.Nil(t, res.FirstPending)
}

func TestResyncStoreErrorPropagates(t *testing.T) {
	r := &Resyncer{Store: &erroringStore{}, Cache: emptyCache{}}
	_, err := r.Resync(context.Background(), "c1", "client")
	assert.Error(t, err)
}

type erroringStore struct{ storage.MemoryStore }

func (e *erroringStore) ActiveOrdersByClient(ctx context.Context, clientID string) ([]models.Order, error) {
	return nil, errors.New("timeout")
}

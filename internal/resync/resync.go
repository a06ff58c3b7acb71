// Package resync rebuilds a (re)connecting party's view of its orders.
// Defense in depth: a terminal order must never be emitted, even when one
// of the two sources still believes it is live. Re-displaying a finished
// job is a correctness failure, not a cosmetic one.
package resync

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
)

// ActiveSource is the slice of the lifecycle cache the merge needs.
type ActiveSource interface {
	ActiveForParty(partyID, role string) []models.Order
}

type Result struct {
	Pending      []models.Order
	Active       []models.Order
	FirstPending *models.Order
	FirstActive  *models.Order
}

type Resyncer struct {
	Store  storage.OrderStore
	Cache  ActiveSource
	Logger *slog.Logger
}

// Resync queries storage for the party's non-terminal orders, re-verifies
// each against storage (replica staleness), merges the in-memory cache
// for orders not yet persisted, drops anything terminal, de-duplicates,
// and partitions into pending (unassigned) and active.
func (r *Resyncer) Resync(ctx context.Context, partyID, role string) (*Result, error) {
	observability.ResyncRequests.Inc()

	var persisted []models.Order
	var err error
	if role == "driver" {
		persisted, err = r.Store.ActiveOrdersByDriver(ctx, partyID)
	} else {
		persisted, err = r.Store.ActiveOrdersByClient(ctx, partyID)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(persisted))
	merged := make([]models.Order, 0, len(persisted))

	for _, o := range persisted {
		if o.Status.Terminal() {
			continue
		}
		// Re-verify directly; the list query may have come from a stale
		// replica or cache.
		verified, err := r.Store.GetOrderByID(ctx, o.ID)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("resync verification failed, dropping order", "order_id", o.ID, "error", err)
			}
			continue
		}
		if verified.Status.Terminal() {
			continue
		}
		if seen[verified.ID] {
			continue
		}
		seen[verified.ID] = true
		merged = append(merged, *verified)
	}

	// Orders admitted to the cache whose create write never landed exist
	// only in memory; merge them in.
	for _, o := range r.Cache.ActiveForParty(partyID, role) {
		if o.Status.Terminal() || seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		merged = append(merged, o)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.Before(merged[j].CreatedAt) })

	res := &Result{}
	for i := range merged {
		o := merged[i]
		if o.Status == models.StatusPending && o.DriverID == "" {
			res.Pending = append(res.Pending, o)
		} else {
			res.Active = append(res.Active, o)
		}
	}
	if len(res.Pending) > 0 {
		res.FirstPending = &res.Pending[0]
	}
	if len(res.Active) > 0 {
		res.FirstActive = &res.Active[0]
	}
	return res, nil
}

// Package presence is the authoritative in-memory store of driver
// online/available state and last-known location. Records expire when not
// refreshed within the staleness window; explicit offline transitions are
// absorbed through a short grace delay before deletion to survive
// reconnect flapping.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/observability"
)

// Update carries the optional fields of one status report. Nil means
// "leave unchanged".
type Update struct {
	Online    *bool
	Available *bool
	Lat       *float64
	Lng       *float64
}

type record struct {
	p          models.DriverPresence
	offlineAt  time.Time
	graceTimer *time.Timer
}

type Store struct {
	mu      sync.Mutex
	records map[string]*record

	ttl   time.Duration
	grace time.Duration

	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewStore(ttl, grace time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]*record),
		ttl:     ttl,
		grace:   grace,
		logger:  logger,
		now:     time.Now,
	}
}

// SetStatus applies one driver status report. Transition to offline forces
// available=false and schedules deletion after the grace period unless the
// driver reports online again first.
func (s *Store) SetStatus(driverID string, u Update) models.DriverPresence {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[driverID]
	if !ok {
		rec = &record{p: models.DriverPresence{DriverID: driverID}}
		s.records[driverID] = rec
	}

	if u.Lat != nil && u.Lng != nil {
		rec.p.Loc = models.Coord{Lat: *u.Lat, Lng: *u.Lng}
		rec.p.HasLoc = true
	}
	if u.Available != nil {
		rec.p.Available = *u.Available
	}
	if u.Online != nil {
		rec.p.Online = *u.Online
	}
	// available implies online
	if rec.p.Available && !rec.p.Online {
		rec.p.Online = true
	}
	if !rec.p.Online {
		rec.p.Available = false
	}

	rec.p.UpdatedAt = now

	if rec.p.Online {
		if rec.graceTimer != nil {
			rec.graceTimer.Stop()
			rec.graceTimer = nil
		}
		rec.offlineAt = time.Time{}
	} else if rec.graceTimer == nil {
		rec.offlineAt = now
		id := driverID
		rec.graceTimer = time.AfterFunc(s.grace, func() { s.evictOffline(id) })
	}

	return rec.p
}

// Touch refreshes a driver location without changing the flags. Used by the
// high-frequency location stream; a driver pinging locations is online.
func (s *Store) Touch(driverID string, lat, lng float64) {
	online := true
	s.SetStatus(driverID, Update{Online: &online, Lat: &lat, Lng: &lng})
}

// Get returns the driver's record if it is present and fresh.
func (s *Store) Get(driverID string) (models.DriverPresence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	rec, ok := s.records[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return rec.p, true
}

// ListOnline purges stale and expired-offline records, then returns a
// snapshot of the remaining online set. The purge is deliberate: every
// caller in the same tick observes one consistent notion of "online".
func (s *Store) ListOnline() []models.DriverPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	out := make([]models.DriverPresence, 0, len(s.records))
	for _, rec := range s.records {
		if rec.p.Online {
			out = append(out, rec.p)
		}
	}
	observability.DriversOnline.Set(float64(len(out)))
	return out
}

// ListAvailable is ListOnline narrowed to drivers accepting work.
func (s *Store) ListAvailable() []models.DriverPresence {
	online := s.ListOnline()
	out := online[:0]
	for _, p := range online {
		if p.Available {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) purgeLocked() {
	now := s.now()
	for id, rec := range s.records {
		if now.Sub(rec.p.UpdatedAt) > s.ttl {
			s.dropLocked(id, rec, "stale")
			continue
		}
		if !rec.p.Online && !rec.offlineAt.IsZero() && now.Sub(rec.offlineAt) >= s.grace {
			s.dropLocked(id, rec, "offline")
		}
	}
}

func (s *Store) dropLocked(id string, rec *record, reason string) {
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
	}
	delete(s.records, id)
	s.logger.Debug("presence evicted", "driver_id", id, "reason", reason)
}

func (s *Store) evictOffline(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[driverID]
	if !ok || rec.p.Online {
		return
	}
	s.dropLocked(driverID, rec, "offline")
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

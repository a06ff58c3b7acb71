// Package geo provides great-circle distance and proximity search over the
// live driver presence snapshot.
package geo

import (
	"math"
	"sort"

	"github.com/example/courier-dispatch/internal/models"
)

// PresenceSource is the slice of the presence store the search needs.
type PresenceSource interface {
	ListAvailable() []models.DriverPresence
}

type Search struct {
	Presence PresenceSource
}

// FindNearby returns available drivers within radiusKm of the pickup,
// distance ascending. Drivers with no reported location are excluded:
// without coordinates they cannot satisfy a radius query.
func (s *Search) FindNearby(pickup models.Coord, radiusKm float64) []models.Candidate {
	avail := s.Presence.ListAvailable()
	out := make([]models.Candidate, 0, len(avail))
	for _, p := range avail {
		if !p.HasLoc {
			continue
		}
		d := HaversineKm(pickup.Lat, pickup.Lng, p.Loc.Lat, p.Loc.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{DriverID: p.DriverID, DistanceKm: d, HasDistance: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// FindAll returns every available driver with distance undefined. Serves
// phone-order and business-account intake where the pickup has no precise
// geolocation.
func (s *Search) FindAll() []models.Candidate {
	avail := s.Presence.ListAvailable()
	out := make([]models.Candidate, 0, len(avail))
	for _, p := range avail {
		out = append(out, models.Candidate{DriverID: p.DriverID})
	}
	return out
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-dispatch/internal/models"
)

// Locator is a read-only mirror of driver positions kept in Redis GEO by
// the firehose consumer. Dashboards and other read-side callers use it;
// the dispatch hot path never does; the in-memory presence store is
// authoritative there.
type Locator struct {
	client *redis.Client
	key    string
}

func NewLocator(addr, password, key string) *Locator {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Locator{client: c, key: key}
}

// Nearby queries the mirror for drivers within radiusKm of the point.
func (l *Locator) Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) ([]models.DriverPresence, error) {
	res, err := l.client.GeoRadius(ctx, l.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		p := models.DriverPresence{DriverID: g.Name, HasLoc: true}
		p.Loc.Lat = g.Latitude
		p.Loc.Lng = g.Longitude
		if m, err := l.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["online"]; ok {
				p.Online = v == "true"
			}
			if v, ok := m["available"]; ok {
				p.Available = v == "true"
			}
			if v, ok := m["updated"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					p.UpdatedAt = t
				}
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *Locator) Close() error { return l.client.Close() }

// MetaKey is the hash key holding a driver's mirrored flags.
func MetaKey(driverID string) string { return "driver:meta:" + driverID }

// MetaValues renders a presence event as the mirror hash fields.
func MetaValues(ev models.PresenceEvent) map[string]interface{} {
	return map[string]interface{}{
		"online":    strconv.FormatBool(ev.Online),
		"available": strconv.FormatBool(ev.Available),
		"updated":   ev.At.Format(time.RFC3339),
	}
}

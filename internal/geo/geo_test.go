package geo

import (
	"testing"

	"github.com/example/courier-dispatch/internal/models"
)

type fakePresence struct{ drivers []models.DriverPresence }

func (f *fakePresence) ListAvailable() []models.DriverPresence { return f.drivers }

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Abidjan Plateau to Cocody is roughly 5-6 km
	d := HaversineKm(5.3167, -4.0305, 5.3545, -3.9877)
	if d < 4 || d > 8 {
		t.Fatalf("implausible distance: %f", d)
	}
}

func TestFindNearbyFiltersAndSorts(t *testing.T) {
	p := &fakePresence{drivers: []models.DriverPresence{
		{DriverID: "far", Loc: models.Coord{Lat: 6.0, Lng: -4.0}, HasLoc: true, Online: true, Available: true},
		{DriverID: "near", Loc: models.Coord{Lat: 5.301, Lng: -4.02}, HasLoc: true, Online: true, Available: true},
		{DriverID: "nearer", Loc: models.Coord{Lat: 5.3, Lng: -4.02}, HasLoc: true, Online: true, Available: true},
		{DriverID: "noloc", Online: true, Available: true},
	}}
	s := &Search{Presence: p}
	got := s.FindNearby(models.Coord{Lat: 5.30, Lng: -4.02}, 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].DriverID != "nearer" || got[1].DriverID != "near" {
		t.Fatalf("wrong order: %v", got)
	}
	for _, c := range got {
		if !c.HasDistance {
			t.Fatalf("candidate %s missing distance", c.DriverID)
		}
	}
}

func TestFindAllIncludesDriversWithoutLocation(t *testing.T) {
	p := &fakePresence{drivers: []models.DriverPresence{
		{DriverID: "a", HasLoc: false, Online: true, Available: true},
		{DriverID: "b", Loc: models.Coord{Lat: 1, Lng: 1}, HasLoc: true, Online: true, Available: true},
	}}
	s := &Search{Presence: p}
	got := s.FindAll()
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	for _, c := range got {
		if c.HasDistance {
			t.Fatalf("FindAll must not claim distances, got %v", c)
		}
	}
}

package presence

import (
	"testing"
	"time"
)

func boolp(b bool) *bool        { return &b }
func floatp(f float64) *float64 { return &f }

func TestAvailableImpliesOnline(t *testing.T) {
	s := NewStore(5*time.Minute, 30*time.Second, nil)
	p := s.SetStatus("d1", Update{Available: boolp(true)})
	if !p.Online || !p.Available {
		t.Fatalf("available should force online, got %+v", p)
	}
}

func TestOfflineForcesUnavailable(t *testing.T) {
	s := NewStore(5*time.Minute, time.Hour, nil)
	s.SetStatus("d1", Update{Online: boolp(true), Available: boolp(true)})
	p := s.SetStatus("d1", Update{Online: boolp(false)})
	if p.Available {
		t.Fatal("offline driver must not stay available")
	}
	// within the grace window the record survives, but not as online
	if got := s.ListOnline(); len(got) != 0 {
		t.Fatalf("offline driver listed online: %v", got)
	}
	if _, ok := s.Get("d1"); !ok {
		t.Fatal("record should survive the grace window")
	}
}

func TestOfflineGraceEviction(t *testing.T) {
	s := NewStore(5*time.Minute, 10*time.Millisecond, nil)
	s.SetStatus("d1", Update{Online: boolp(true)})
	s.SetStatus("d1", Update{Online: boolp(false)})
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Get("d1"); ok {
		t.Fatal("record should be evicted after the grace delay")
	}
}

func TestReconnectWithinGraceCancelsEviction(t *testing.T) {
	s := NewStore(5*time.Minute, 50*time.Millisecond, nil)
	s.SetStatus("d1", Update{Online: boolp(true)})
	s.SetStatus("d1", Update{Online: boolp(false)})
	s.SetStatus("d1", Update{Online: boolp(true)})
	time.Sleep(100 * time.Millisecond)
	p, ok := s.Get("d1")
	if !ok || !p.Online {
		t.Fatalf("flapping driver should still be online, got %+v ok=%v", p, ok)
	}
}

func TestStalenessEvictionOnRead(t *testing.T) {
	s := NewStore(5*time.Minute, time.Hour, nil)
	base := time.Now()
	now := base
	s.SetNow(func() time.Time { return now })

	s.SetStatus("fresh", Update{Online: boolp(true), Available: boolp(true), Lat: floatp(1), Lng: floatp(1)})
	s.SetStatus("stale", Update{Online: boolp(true), Available: boolp(true), Lat: floatp(2), Lng: floatp(2)})

	now = base.Add(6 * time.Minute)
	s.Touch("fresh", 1, 1)

	got := s.ListOnline()
	if len(got) != 1 || got[0].DriverID != "fresh" {
		t.Fatalf("stale record should be purged, got %v", got)
	}
	// destructive read: the stale record is gone, not just filtered
	if _, ok := s.Get("stale"); ok {
		t.Fatal("stale record should have been deleted")
	}
}

func TestListAvailableExcludesBusyDrivers(t *testing.T) {
	s := NewStore(5*time.Minute, time.Hour, nil)
	s.SetStatus("busy", Update{Online: boolp(true), Available: boolp(false)})
	s.SetStatus("free", Update{Online: boolp(true), Available: boolp(true)})
	got := s.ListAvailable()
	if len(got) != 1 || got[0].DriverID != "free" {
		t.Fatalf("expected only the free driver, got %v", got)
	}
}

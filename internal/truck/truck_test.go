package truck

import (
	"testing"
	"time"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad date fixture %q: %v", s, err)
	}
	return parsed
}

func TestDateKeyDropsPadding(t *testing.T) {
	if got := DateKey(time.Date(2020, 11, 3, 0, 0, 0, 0, time.UTC)); got != "2020-11-3" {
		t.Fatalf("DateKey = %q", got)
	}
	if got := DateKey(time.Date(2020, 10, 24, 0, 0, 0, 0, time.UTC)); got != "2020-10-24" {
		t.Fatalf("DateKey = %q", got)
	}
}

func TestEligibleEmbeddedSchedule(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// north Austin sits inside the Austin radius
	p, ok := s.Eligible("TX", 30.39276, -97.71284, day(t, "2020-10-24"))
	if !ok || p.CityState != "austin-tx" {
		t.Fatalf("north Austin: ok=%v point=%+v", ok, p)
	}

	// right place, wrong year
	if _, ok := s.Eligible("TX", 30.39276, -97.71284, day(t, "2000-10-24")); ok {
		t.Fatal("wrong year should have no eligible truck")
	}

	// El Paso is in TX but outside every dispatch radius
	if _, ok := s.Eligible("TX", 31.7619, -106.4850, day(t, "2020-10-24")); ok {
		t.Fatal("El Paso should have no eligible truck")
	}

	// right place, inactive date
	if _, ok := s.Eligible("TX", 30.5083, -97.6789, day(t, "2020-10-26")); ok {
		t.Fatal("inactive date should have no eligible truck")
	}

	// state with no dispatch points at all
	if _, ok := s.Eligible("OR", 45.5152, -122.6784, day(t, "2020-11-03")); ok {
		t.Fatal("unlisted state should have no eligible truck")
	}

	// single-digit day in the schedule matches a padded query date
	if _, ok := s.Eligible("TX", 30.5083, -97.6789, day(t, "2020-11-03")); !ok {
		t.Fatal("non-padded schedule date should match Nov 3")
	}
}

func TestEligibleFirstMatchWins(t *testing.T) {
	s := &Schedule{Regions: map[string][]DispatchPoint{
		"TX": {
			{CityState: "north-tx", Lat: 30.50, Lng: -97.74, Dates: []string{"2020-11-3"}},
			{CityState: "south-tx", Lat: 30.26, Lng: -97.74, Dates: []string{"2020-11-3"}},
		},
	}}
	// the probe is nearer south-tx, but north-tx is listed first and in range
	p, ok := s.Eligible("TX", 30.27, -97.74, day(t, "2020-11-03"))
	if !ok || p.CityState != "north-tx" {
		t.Fatalf("first in-range point must win: ok=%v point=%+v", ok, p)
	}
}

func TestEligibleSkipsInactiveEarlierPoint(t *testing.T) {
	s := &Schedule{Regions: map[string][]DispatchPoint{
		"TX": {
			{CityState: "north-tx", Lat: 30.50, Lng: -97.74, Dates: []string{"2020-10-24"}},
			{CityState: "south-tx", Lat: 30.26, Lng: -97.74, Dates: []string{"2020-11-3"}},
		},
	}}
	p, ok := s.Eligible("TX", 30.27, -97.74, day(t, "2020-11-03"))
	if !ok || p.CityState != "south-tx" {
		t.Fatalf("inactive earlier point must be skipped: ok=%v point=%+v", ok, p)
	}
}

// Package truck decides which relief-truck dispatch point, if any, can serve
// a polling location on a given day.
package truck

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gopkg.in/yaml.v3"
)

// RadiusMiles is the service radius of a dispatch point.
const RadiusMiles = 50.0

const metersPerMile = 1609.344

//go:embed schedule.yaml
var defaultSchedule []byte

// DispatchPoint is a staffed truck origin with the days it operates.
type DispatchPoint struct {
	CityState string   `yaml:"citystate"`
	Lat       float64  `yaml:"lat"`
	Lng       float64  `yaml:"lng"`
	Dates     []string `yaml:"dates"`
}

// Schedule maps two-letter state codes to dispatch points, in priority order.
// The first in-range point active on the date wins.
type Schedule struct {
	Regions map[string][]DispatchPoint `yaml:"regions"`
}

// Load parses a schedule file, falling back to the embedded schedule when
// path is empty.
func Load(path string) (*Schedule, error) {
	raw := defaultSchedule
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var s Schedule
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DateKey renders t in the schedule's non-padded form, e.g. "2020-10-4".
func DateKey(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day())
}

// Eligible returns the dispatch point serving (lat, lng) in state on day t.
// Points are checked in list order; the first active point within
// RadiusMiles wins even if a later one is closer.
func (s *Schedule) Eligible(state string, lat, lng float64, t time.Time) (DispatchPoint, bool) {
	points, ok := s.Regions[state]
	if !ok {
		return DispatchPoint{}, false
	}
	day := DateKey(t)
	target := orb.Point{lng, lat}
	for _, p := range points {
		if !p.activeOn(day) {
			continue
		}
		dist := geo.DistanceHaversine(orb.Point{p.Lng, p.Lat}, target)
		if dist <= RadiusMiles*metersPerMile {
			return p, true
		}
	}
	return DispatchPoint{}, false
}

func (p DispatchPoint) activeOn(day string) bool {
	for _, d := range p.Dates {
		if d == day {
			return true
		}
	}
	return false
}

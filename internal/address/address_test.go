package address

import (
	"context"
	"errors"
	"testing"

	"pollrelief/internal/geocode"
	"pollrelief/internal/model"
)

func stubGeo(res geocode.Result, err error) geocode.Geocoder {
	return geocode.Func(func(context.Context, string) (geocode.Result, error) {
		return res, err
	})
}

func TestNormalizeBuildsIdentity(t *testing.T) {
	n := NewNormalizer(stubGeo(geocode.Result{
		Number: "100", Street: "Congress Ave", City: "Austin", State: "tx", Zip: "78701",
		Lat: 30.2672, Lng: -97.7431,
	}, nil))
	addr, err := n.Normalize(context.Background(), "100 congress ave austin")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if addr.FullAddress() != "100 Congress Ave Austin TX 78701" {
		t.Fatalf("identity key: %q", addr.FullAddress())
	}
	if addr.State != "TX" {
		t.Fatalf("state not upcased: %q", addr.State)
	}
}

func TestNormalizeRejectsIncomplete(t *testing.T) {
	n := NewNormalizer(stubGeo(geocode.Result{City: "Austin", State: "TX"}, nil))
	if _, err := n.Normalize(context.Background(), "somewhere"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestNormalizePropagatesNoMatch(t *testing.T) {
	n := NewNormalizer(stubGeo(geocode.Result{}, geocode.ErrNoMatch))
	if _, err := n.Normalize(context.Background(), "gibberish"); !errors.Is(err, geocode.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestNormalizeOverride(t *testing.T) {
	n := NewNormalizer(stubGeo(geocode.Result{}, geocode.ErrNoMatch))
	lat, lng := 30.2672, -97.7431

	addr, verrs := n.NormalizeOverride(model.OverrideAddress{
		Address: "100 Congress Ave", City: "Austin", State: "tx", Zip: "78701",
		Lat: &lat, Lng: &lng,
	})
	if len(verrs) != 0 {
		t.Fatalf("valid override rejected: %v", verrs)
	}
	if addr.State != "TX" {
		t.Fatalf("state not upcased: %q", addr.State)
	}
}

func TestNormalizeOverrideFieldErrors(t *testing.T) {
	n := NewNormalizer(stubGeo(geocode.Result{}, geocode.ErrNoMatch))
	lat := 30.2672

	_, verrs := n.NormalizeOverride(model.OverrideAddress{
		Address: "100 Congress Ave", State: "texas", Lat: &lat,
	})
	for _, field := range []string{"city", "state", "zip", "lng"} {
		if _, ok := verrs[field]; !ok {
			t.Fatalf("missing error for %q: %v", field, verrs)
		}
	}

	lng := -97.7431
	_, verrs = n.NormalizeOverride(model.OverrideAddress{
		Address: "100 Congress Ave", City: "Austin", State: "ZZ", Zip: "78701",
		Lat: &lat, Lng: &lng,
	})
	if verrs["state"] == "" {
		t.Fatalf("fake state code accepted: %v", verrs)
	}
}

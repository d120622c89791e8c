// Package address turns raw submitted addresses into the normalized identity
// used for location dedup.
package address

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"pollrelief/internal/geocode"
	"pollrelief/internal/model"
)

// ErrIncomplete means geocoding succeeded but the result is missing components
// required for a stable identity key.
var ErrIncomplete = errors.New("address: geocode result incomplete")

var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "DC": true, "FL": true, "GA": true, "HI": true,
	"ID": true, "IL": true, "IN": true, "IA": true, "KS": true, "KY": true,
	"LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true,
	"MS": true, "MO": true, "MT": true, "NE": true, "NV": true, "NH": true,
	"NJ": true, "NM": true, "NY": true, "NC": true, "ND": true, "OH": true,
	"OK": true, "OR": true, "PA": true, "RI": true, "SC": true, "SD": true,
	"TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true,
	"WV": true, "WI": true, "WY": true, "PR": true, "VI": true, "GU": true,
}

// Normalizer resolves raw addresses through a geocoder and enforces the
// completeness rules for location identity.
type Normalizer struct {
	geo      geocode.Geocoder
	validate *validator.Validate
}

func NewNormalizer(geo geocode.Geocoder) *Normalizer {
	return &Normalizer{geo: geo, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Normalize geocodes raw and returns the canonical address. A result missing
// street, city, state or zip is rejected with ErrIncomplete rather than
// minting an identity from partial data.
func (n *Normalizer) Normalize(ctx context.Context, raw string) (model.NormalizedAddress, error) {
	res, err := n.geo.Geocode(ctx, raw)
	if err != nil {
		return model.NormalizedAddress{}, err
	}
	street := strings.TrimSpace(strings.TrimSpace(res.Number) + " " + strings.TrimSpace(res.Street))
	addr := model.NormalizedAddress{
		Street: street,
		City:   strings.TrimSpace(res.City),
		State:  strings.ToUpper(strings.TrimSpace(res.State)),
		Zip:    strings.TrimSpace(res.Zip),
		Lat:    res.Lat,
		Lng:    res.Lng,
	}
	if addr.Street == "" || addr.City == "" || addr.State == "" || addr.Zip == "" {
		return model.NormalizedAddress{}, ErrIncomplete
	}
	return addr, nil
}

// NormalizeOverride accepts a trusted manual address, bypassing the geocoder.
// Validation failures come back as a field-keyed map so the caller can return
// them to the client as data.
func (n *Normalizer) NormalizeOverride(o model.OverrideAddress) (model.NormalizedAddress, model.ValidationErrors) {
	errs := model.ValidationErrors{}
	if err := n.validate.Struct(o); err != nil {
		var ferrs validator.ValidationErrors
		if errors.As(err, &ferrs) {
			for _, fe := range ferrs {
				errs[strings.ToLower(fe.Field())] = tagMessage(fe)
			}
		} else {
			errs["override"] = err.Error()
		}
	}
	state := strings.ToUpper(strings.TrimSpace(o.State))
	if _, seen := errs["state"]; !seen && !usStates[state] {
		errs["state"] = "must be a US state or territory code"
	}
	if len(errs) > 0 {
		return model.NormalizedAddress{}, errs
	}
	return model.NormalizedAddress{
		Street: strings.TrimSpace(o.Address),
		City:   strings.TrimSpace(o.City),
		State:  state,
		Zip:    strings.TrimSpace(o.Zip),
		Lat:    *o.Lat,
		Lng:    *o.Lng,
	}, nil
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "latitude":
		return "must be a valid latitude"
	case "longitude":
		return "must be a valid longitude"
	default:
		return "is invalid"
	}
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pollrelief/internal/address"
	"pollrelief/internal/geocode"
	"pollrelief/internal/model"
	"pollrelief/internal/store"
	"pollrelief/internal/truck"
)

type reportRequest struct {
	Address  string                 `json:"address"`
	Contact  string                 `json:"contact"`
	URL      string                 `json:"url"`
	WaitTime string                 `json:"waitTime,omitempty"`
	Override *model.OverrideAddress `json:"override,omitempty"`
}

// handleReports ingests a queue report. Identity comes from geocoding the raw
// address, or from a trusted override when the caller is privileged.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if req.URL == "" {
		writeValidation(w, model.ValidationErrors{"url": "is required"})
		return
	}

	var addr model.NormalizedAddress
	if req.Override != nil {
		if !s.requireAuth(w, r) {
			return
		}
		normalized, verrs := s.Normalizer.NormalizeOverride(*req.Override)
		if len(verrs) > 0 {
			writeValidation(w, verrs)
			return
		}
		addr = normalized
	} else {
		if req.Address == "" {
			writeValidation(w, model.ValidationErrors{"address": "is required"})
			return
		}
		normalized, err := s.Normalizer.Normalize(r.Context(), req.Address)
		if err != nil {
			switch {
			case errors.Is(err, geocode.ErrNoMatch):
				writeValidation(w, model.ValidationErrors{"address": "could not be geocoded"})
			case errors.Is(err, address.ErrIncomplete):
				writeValidation(w, model.ValidationErrors{"address": "geocoded to an incomplete address"})
			default:
				s.Log.WithError(err).Warn("geocode failed")
				writeProblem(w, http.StatusBadGateway, "geocoder unavailable", err.Error())
			}
			return
		}
		addr = normalized
	}

	rep, receipt, err := s.Store.CreateReport(r.Context(), model.ReportIn{
		Contact:  req.Contact,
		URL:      req.URL,
		WaitTime: req.WaitTime,
		Address:  addr,
	})
	if err != nil {
		s.internalError(w, err, "create report")
		return
	}

	if s.Metrics != nil {
		if receipt.IsUniqueReport {
			s.Metrics.ReportsCreated.Inc()
		} else {
			s.Metrics.ReportsDeduped.Inc()
		}
	}
	s.emitReportHooks(r, rep, receipt)

	status := http.StatusCreated
	if !receipt.IsUniqueReport {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"report":  rep,
		"receipt": receipt,
	})
}

// emitReportHooks applies the notification policy for intake: only unique
// reports notify, and a standing truck dispatch supersedes the rest.
func (s *Server) emitReportHooks(r *http.Request, rep model.Report, receipt model.ReportReceipt) {
	if !receipt.IsUniqueReport {
		return
	}
	ctx := r.Context()
	switch {
	case receipt.HasTruck:
		s.Pub.Emit(ctx, "report.truck_present", rep)
	case receipt.LocationValidated:
		s.Pub.Emit(ctx, "report.new", rep)
	default:
		s.Pub.Emit(ctx, "location.new", rep)
	}
	s.Broker.Publish(ctx, Event{LocationID: rep.LocationID, Kind: "report", Payload: rep})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	locs, next, err := s.Store.ListLocations(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.internalError(w, err, "list locations")
		return
	}
	resp := map[string]any{"locations": locs}
	if next != "" {
		resp["nextCursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLocationSubpath dispatches /v1/locations/{token}[/op].
func (s *Server) handleLocationSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/locations/")
	token, tail, _ := strings.Cut(rest, "/")
	op, _, _ := strings.Cut(tail, "/")
	if token == "" {
		writeProblem(w, http.StatusNotFound, "not found", "")
		return
	}

	loc, err := s.Store.FindLocation(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "location not found", "")
			return
		}
		s.internalError(w, err, "find location")
		return
	}

	switch op {
	case "":
		if r.Method != http.MethodGet {
			writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}
		resolved, err := s.Store.ResolveCanonical(r.Context(), loc.ID)
		if err != nil {
			s.internalError(w, err, "resolve location")
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	case "reports":
		s.handleLocationReports(w, r, loc)
	case "validate":
		s.handleValidate(w, r, loc)
	case "skip":
		s.handleSkip(w, r, loc)
	case "truck":
		s.handleTruck(w, r, loc)
	case "merge":
		s.handleMerge(w, r, loc)
	case "order":
		s.handleLocationOrder(w, r, loc)
	case "actions":
		s.handleLocationActions(w, r, loc)
	case "eligibility":
		s.handleLocationEligibility(w, r, loc)
	case "events":
		s.handleLocationEvents(w, r, loc)
	default:
		writeProblem(w, http.StatusNotFound, "not found", "")
	}
}

func (s *Server) handleLocationReports(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	reports, err := s.Store.ListReports(r.Context(), loc.ID)
	if err != nil {
		s.internalError(w, err, "list reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

type userRequest struct {
	User string `json:"user,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req userRequest
	_ = decodeJSON(r, &req)
	validated, open, err := s.Store.ValidateLocation(r.Context(), loc.ID, req.User)
	if err != nil {
		s.storeError(w, err, "validate location")
		return
	}

	// one notification per distinct reporting source, not per report row
	seen := map[string]bool{}
	for _, rep := range open {
		if seen[rep.URL] {
			continue
		}
		seen[rep.URL] = true
		s.Pub.Emit(r.Context(), "location.validated", rep)
	}
	s.Broker.Publish(r.Context(), Event{LocationID: validated.ID, Kind: "validated", Payload: validated})
	writeJSON(w, http.StatusOK, map[string]any{
		"location":    validated,
		"openReports": len(open),
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req userRequest
	_ = decodeJSON(r, &req)
	skipped, err := s.Store.SkipLocation(r.Context(), loc.ID, req.User)
	if err != nil {
		s.storeError(w, err, "skip location")
		return
	}
	s.Pub.Emit(r.Context(), "location.skipped", map[string]any{"locationId": loc.ID, "skippedReports": skipped})
	s.Broker.Publish(r.Context(), Event{LocationID: loc.ID, Kind: "skipped"})
	writeJSON(w, http.StatusOK, map[string]any{"skippedReports": skipped})
}

type truckRequest struct {
	Identifier string `json:"identifier"`
	User       string `json:"user,omitempty"`
}

func (s *Server) handleTruck(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req truckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if req.Identifier == "" {
		writeValidation(w, model.ValidationErrors{"identifier": "is required"})
		return
	}
	trk, attached, err := s.Store.AssignTruck(r.Context(), loc.ID, req.Identifier, req.User)
	if err != nil {
		s.storeError(w, err, "assign truck")
		return
	}
	if s.Metrics != nil {
		s.Metrics.TrucksAssigned.Inc()
	}
	s.Pub.Emit(r.Context(), "truck.assigned", trk)
	s.Broker.Publish(r.Context(), Event{LocationID: trk.LocationID, Kind: "truck", Payload: trk})
	writeJSON(w, http.StatusCreated, map[string]any{
		"truck":           trk,
		"attachedReports": attached,
	})
}

type mergeRequest struct {
	CanonicalID int64  `json:"canonicalId"`
	User        string `json:"user,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if req.CanonicalID == 0 {
		writeValidation(w, model.ValidationErrors{"canonicalId": "is required"})
		return
	}
	canon, err := s.Store.MergeLocations(r.Context(), loc.ID, req.CanonicalID, req.User)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeProblem(w, http.StatusNotFound, "canonical location not found", "")
		case errors.Is(err, store.ErrCanonicalCycle):
			writeProblem(w, http.StatusConflict, "merge rejected", err.Error())
		default:
			s.internalError(w, err, "merge locations")
		}
		return
	}
	if s.Metrics != nil {
		s.Metrics.LocationsMerged.Inc()
	}
	s.Broker.Publish(r.Context(), Event{LocationID: canon.ID, Kind: "merged", Payload: map[string]int64{"absorbed": loc.ID}})
	writeJSON(w, http.StatusOK, canon)
}

type orderRequest struct {
	Quantity   int    `json:"quantity"`
	Cost       string `json:"cost"`
	OrderType  string `json:"orderType,omitempty"`
	Restaurant string `json:"restaurant,omitempty"`
	User       string `json:"user,omitempty"`
}

func (s *Server) handleLocationOrder(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req orderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	in, verrs := parseOrder(req)
	if len(verrs) > 0 {
		writeValidation(w, verrs)
		return
	}
	ord, closed, err := s.Store.PlaceOrder(r.Context(), loc.ID, in)
	if err != nil {
		s.storeError(w, err, "place order")
		return
	}
	if s.Metrics != nil {
		s.Metrics.OrdersPlaced.Inc()
		s.Metrics.ReportsClosed.Add(float64(closed))
	}
	s.Pub.Emit(r.Context(), "order.placed", ord)
	s.Broker.Publish(r.Context(), Event{LocationID: ord.LocationID, Kind: "ordered", Payload: ord})
	writeJSON(w, http.StatusCreated, map[string]any{
		"order":         ord,
		"closedReports": closed,
	})
}

func (s *Server) handleLocationActions(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	actions, err := s.Store.ListActions(r.Context(), model.EntityLocation, loc.ID, limit)
	if err != nil {
		s.internalError(w, err, "list actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type orderByAddressRequest struct {
	Address string `json:"address"`
	orderRequest
}

// handleOrders places an order against an address instead of a location id,
// minting the location if it is unknown.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req orderByAddressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	if req.Address == "" {
		writeValidation(w, model.ValidationErrors{"address": "is required"})
		return
	}
	addr, err := s.Normalizer.Normalize(r.Context(), req.Address)
	if err != nil {
		switch {
		case errors.Is(err, geocode.ErrNoMatch), errors.Is(err, address.ErrIncomplete):
			writeValidation(w, model.ValidationErrors{"address": "could not be resolved"})
		default:
			s.Log.WithError(err).Warn("geocode failed")
			writeProblem(w, http.StatusBadGateway, "geocoder unavailable", err.Error())
		}
		return
	}
	loc, _, err := s.Store.GetOrCreateLocation(r.Context(), addr)
	if err != nil {
		s.internalError(w, err, "resolve location")
		return
	}
	in, verrs := parseOrder(req.orderRequest)
	if len(verrs) > 0 {
		writeValidation(w, verrs)
		return
	}
	ord, closed, err := s.Store.PlaceOrder(r.Context(), loc.ID, in)
	if err != nil {
		s.storeError(w, err, "place order")
		return
	}
	if s.Metrics != nil {
		s.Metrics.OrdersPlaced.Inc()
		s.Metrics.ReportsClosed.Add(float64(closed))
	}
	s.Pub.Emit(r.Context(), "order.placed", ord)
	s.Broker.Publish(r.Context(), Event{LocationID: ord.LocationID, Kind: "ordered", Payload: ord})
	writeJSON(w, http.StatusCreated, map[string]any{
		"order":         ord,
		"closedReports": closed,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid order id", "")
		return
	}
	ord, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "order not found", "")
			return
		}
		s.internalError(w, err, "get order")
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

// handleEligibility answers which dispatch point, if any, serves a point in a
// state on a given day.
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	q := r.URL.Query()
	state := strings.ToUpper(q.Get("state"))
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	verrs := model.ValidationErrors{}
	if state == "" {
		verrs["state"] = "is required"
	}
	if latErr != nil {
		verrs["lat"] = "must be a number"
	}
	if lngErr != nil {
		verrs["lng"] = "must be a number"
	}
	day := time.Now()
	if d := q.Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			verrs["date"] = "must be YYYY-MM-DD"
		} else {
			day = parsed
		}
	}
	if len(verrs) > 0 {
		writeValidation(w, verrs)
		return
	}
	point, ok := s.Schedule.Eligible(state, lat, lng, day)
	if !ok {
		writeProblem(w, http.StatusNotFound, "no eligible truck", fmt.Sprintf("no dispatch point serves %s on that date", state))
		return
	}
	writeJSON(w, http.StatusOK, model.Eligibility{CityState: point.CityState, Date: q.Get("date")})
}

// handleLocationEligibility probes the schedule with the location's own
// coordinates and state.
func (s *Server) handleLocationEligibility(w http.ResponseWriter, r *http.Request, loc model.Location) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	resolved, err := s.Store.ResolveCanonical(r.Context(), loc.ID)
	if err != nil {
		s.storeError(w, err, "resolve location")
		return
	}
	day := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeValidation(w, model.ValidationErrors{"date": "must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	point, ok := s.Schedule.Eligible(resolved.State, resolved.Lat, resolved.Lng, day)
	if !ok {
		writeProblem(w, http.StatusNotFound, "no eligible truck", "no dispatch point serves this location on that date")
		return
	}
	writeJSON(w, http.StatusOK, model.Eligibility{CityState: point.CityState, Date: truck.DateKey(day)})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entityID, _ := strconv.ParseInt(q.Get("entityId"), 10, 64)
	actions, err := s.Store.ListActions(r.Context(), model.EntityType(q.Get("entityType")), entityID, limit)
	if err != nil {
		s.internalError(w, err, "list actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, store.ErrCanonicalCycle):
		writeProblem(w, http.StatusConflict, "canonical cycle", err.Error())
	default:
		s.internalError(w, err, what)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error, what string) {
	s.Log.WithError(err).WithFields(logrus.Fields{"op": what}).Error("request failed")
	writeProblem(w, http.StatusInternalServerError, "internal error", "")
}

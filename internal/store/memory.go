package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"sync"

	"github.com/google/uuid"
	"pollrelief/internal/model"
)

// Memory is a mutex-guarded in-memory store used for tests and when no
// DATABASE_URL is set. It implements the same lifecycle semantics as the
// postgres store.
type Memory struct {
	mu        sync.Mutex
	locations map[int64]*model.Location
	byAddress map[string]int64 // full_address -> location id
	reports   map[int64]*model.Report
	orders    map[int64]*model.Order
	trucks    map[int64]*model.Truck
	actions   []model.Action
	subs      []model.Subscription

	locSeq, repSeq, ordSeq, trkSeq, actSeq int64

	deliveries    map[string]*memDelivery
	deliveryOrder []string
}

func NewMemory() *Memory {
	return &Memory{
		locations:  map[int64]*model.Location{},
		byAddress:  map[string]int64{},
		reports:    map[int64]*model.Report{},
		orders:     map[int64]*model.Order{},
		trucks:     map[int64]*model.Truck{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

// parseLocationToken splits a lookup token into a numeric id or a decoded
// full address. Shared by both store implementations.
func parseLocationToken(token string) (int64, string) {
	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		return id, ""
	}
	decoded, err := url.QueryUnescape(token)
	if err != nil {
		decoded = token
	}
	return 0, strings.ReplaceAll(decoded, "+", " ")
}

func (m *Memory) GetOrCreateLocation(ctx context.Context, addr model.NormalizedAddress) (model.Location, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, created := m.getOrCreateLocked(addr)
	return *loc, created, nil
}

func (m *Memory) getOrCreateLocked(addr model.NormalizedAddress) (*model.Location, bool) {
	full := addr.FullAddress()
	if id, ok := m.byAddress[full]; ok {
		return m.locations[id], false
	}
	m.locSeq++
	now := time.Now().UTC()
	loc := &model.Location{
		ID: m.locSeq, FullAddress: full,
		Street: addr.Street, City: addr.City, State: addr.State, Zip: addr.Zip,
		Lat: addr.Lat, Lng: addr.Lng,
		CreatedAt: now, UpdatedAt: now,
	}
	m.locations[loc.ID] = loc
	m.byAddress[full] = loc.ID
	return loc, true
}

func (m *Memory) GetLocation(ctx context.Context, id int64) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[id]
	if !ok {
		return model.Location{}, ErrNotFound
	}
	return *loc, nil
}

func (m *Memory) FindLocation(ctx context.Context, token string) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, full := parseLocationToken(token)
	if id != 0 {
		if loc, ok := m.locations[id]; ok {
			return *loc, nil
		}
		return model.Location{}, ErrNotFound
	}
	if lid, ok := m.byAddress[full]; ok {
		return *m.locations[lid], nil
	}
	return model.Location{}, ErrNotFound
}

func (m *Memory) ResolveCanonical(ctx context.Context, id int64) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(id)
	if err != nil {
		return model.Location{}, err
	}
	return *loc, nil
}

// resolveLocked follows the canonical chain to a fixed point with a visited
// set so a corrupt cycle cannot hang the process.
func (m *Memory) resolveLocked(id int64) (*model.Location, error) {
	seen := map[int64]bool{}
	cur, ok := m.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	for cur.CanonicalLocationID != nil {
		if seen[cur.ID] {
			return nil, ErrCanonicalCycle
		}
		seen[cur.ID] = true
		next, ok := m.locations[*cur.CanonicalLocationID]
		if !ok {
			return nil, ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

func (m *Memory) ListLocations(ctx context.Context, cursor string, limit int) ([]model.Location, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	after := int64(0)
	if cursor != "" {
		after, _ = strconv.ParseInt(cursor, 10, 64)
	}
	ids := make([]int64, 0, len(m.locations))
	for id := range m.locations {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := []model.Location{}
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		out = append(out, *m.locations[id])
	}
	next := ""
	if len(out) == limit && len(ids) > limit {
		next = strconv.FormatInt(out[len(out)-1].ID, 10)
	}
	return out, next, nil
}

func (m *Memory) ValidateLocation(ctx context.Context, id int64, user string) (model.Location, []model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(id)
	if err != nil {
		return model.Location{}, nil, err
	}
	if loc.ValidatedAt == nil {
		now := time.Now().UTC()
		loc.ValidatedAt = &now
		loc.UpdatedAt = now
	}
	// the audit trail records the call even when it was a no-op
	m.appendActionLocked(model.EntityLocation, loc.ID, "validated", user)
	return *loc, m.openReportsLocked(loc.ID), nil
}

func (m *Memory) SkipLocation(ctx context.Context, id int64, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(id)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	n := 0
	for _, r := range m.reports {
		if r.LocationID == loc.ID && r.Open() {
			r.SkippedAt = &now
			r.UpdatedAt = now
			n++
		}
	}
	m.appendActionLocked(model.EntityLocation, loc.ID, "skipped", user)
	return n, nil
}

func (m *Memory) AssignTruck(ctx context.Context, id int64, identifier, user string) (model.Truck, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(id)
	if err != nil {
		return model.Truck{}, 0, err
	}
	m.trkSeq++
	now := time.Now().UTC()
	trk := &model.Truck{ID: m.trkSeq, LocationID: loc.ID, Identifier: identifier, CreatedAt: now}
	m.trucks[trk.ID] = trk
	attached := 0
	for _, r := range m.reports {
		if r.LocationID == loc.ID && r.Open() && r.TruckID == nil {
			tid := trk.ID
			r.TruckID = &tid
			r.UpdatedAt = now
			attached++
		}
	}
	m.appendActionLocked(model.EntityLocation, loc.ID, "assigned truck", user)
	return *trk, attached, nil
}

func (m *Memory) MergeLocations(ctx context.Context, sourceID, canonicalID int64, user string) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.locations[sourceID]
	if !ok {
		return model.Location{}, ErrNotFound
	}
	canon, ok := m.locations[canonicalID]
	if !ok {
		return model.Location{}, ErrNotFound
	}
	if sourceID == canonicalID {
		return model.Location{}, ErrCanonicalCycle
	}
	// walking the canonical chain from the target must never reach the source
	seen := map[int64]bool{}
	for cur := canon; cur.CanonicalLocationID != nil; {
		next := *cur.CanonicalLocationID
		if next == sourceID || seen[next] {
			return model.Location{}, ErrCanonicalCycle
		}
		seen[next] = true
		cur = m.locations[next]
	}
	now := time.Now().UTC()
	for _, r := range m.reports {
		if r.LocationID == sourceID {
			r.LocationID = canonicalID
			r.UpdatedAt = now
		}
	}
	for _, o := range m.orders {
		if o.LocationID == sourceID {
			o.LocationID = canonicalID
		}
	}
	for _, t := range m.trucks {
		if t.LocationID == sourceID {
			t.LocationID = canonicalID
		}
	}
	cid := canonicalID
	src.CanonicalLocationID = &cid
	src.ValidatedAt = nil
	src.UpdatedAt = now
	m.appendActionLocked(model.EntityLocation, sourceID, fmt.Sprintf("merged into %d", canonicalID), user)
	m.appendActionLocked(model.EntityLocation, canonicalID, fmt.Sprintf("absorbed %d", sourceID), user)
	return *canon, nil
}

func (m *Memory) CreateReport(ctx context.Context, in model.ReportIn) (model.Report, model.ReportReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, created := m.getOrCreateLocked(in.Address)
	loc, err := m.resolveLocked(loc.ID)
	if err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	receipt := model.ReportReceipt{
		LocationValidated: loc.ValidatedAt != nil,
		LocationCreated:   created,
	}
	// dedup by source URL over reports that are neither skipped nor fulfilled
	for _, r := range m.reportIDsLocked(loc.ID) {
		rep := m.reports[r]
		if rep.URL == in.URL && rep.SkippedAt == nil && rep.OrderID == nil {
			receipt.HasTruck = rep.TruckID != nil
			return *rep, receipt, nil
		}
	}
	receipt.IsUniqueReport = true
	m.repSeq++
	now := time.Now().UTC()
	rep := &model.Report{
		ID: m.repSeq, LocationID: loc.ID,
		Contact: in.Contact, URL: in.URL, WaitTime: in.WaitTime,
		CreatedAt: now, UpdatedAt: now,
	}
	// an active truck dispatch at the location carries over to new reports
	if tid := m.activeTruckLocked(loc.ID); tid != 0 {
		t := tid
		rep.TruckID = &t
		receipt.HasTruck = true
	}
	m.reports[rep.ID] = rep
	m.appendActionLocked(model.EntityReport, rep.ID, "reported", model.DefaultUser)
	return *rep, receipt, nil
}

func (m *Memory) ListReports(ctx context.Context, locationID int64) ([]model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(locationID)
	if err != nil {
		return nil, err
	}
	out := []model.Report{}
	for _, id := range m.reportIDsLocked(loc.ID) {
		out = append(out, *m.reports[id])
	}
	return out, nil
}

func (m *Memory) PlaceOrder(ctx context.Context, locationID int64, in model.OrderIn) (model.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, err := m.resolveLocked(locationID)
	if err != nil {
		return model.Order{}, 0, err
	}
	user := in.User
	if user == "" {
		user = model.DefaultUser
	}
	orderType := in.OrderType
	if orderType == "" {
		orderType = "pizzas"
	}
	m.ordSeq++
	now := time.Now().UTC()
	ord := &model.Order{
		ID: m.ordSeq, LocationID: loc.ID,
		Cost: in.Cost, Quantity: in.Quantity,
		OrderType: orderType, Restaurant: in.Restaurant,
		CreatedAt: now,
	}
	m.orders[ord.ID] = ord
	closed := 0
	for _, r := range m.reports {
		if r.LocationID == loc.ID && r.SkippedAt == nil && r.OrderID == nil {
			oid := ord.ID
			r.OrderID = &oid
			r.UpdatedAt = now
			closed++
		}
	}
	if loc.ValidatedAt == nil {
		loc.ValidatedAt = &now
		loc.UpdatedAt = now
	}
	m.appendActionLocked(model.EntityLocation, loc.ID, "validated", user)
	m.appendActionLocked(model.EntityOrder, ord.ID, "ordered", user)
	return *ord, closed, nil
}

func (m *Memory) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return *ord, nil
}

func (m *Memory) AppendAction(ctx context.Context, entity model.EntityType, entityID int64, actionType, user string) (model.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendActionLocked(entity, entityID, actionType, user), nil
}

func (m *Memory) appendActionLocked(entity model.EntityType, entityID int64, actionType, user string) model.Action {
	if user == "" {
		user = model.DefaultUser
	}
	m.actSeq++
	a := model.Action{
		ID: m.actSeq, UserID: user,
		EntityType: entity, EntityID: entityID,
		ActionType: actionType, CreatedAt: time.Now().UTC(),
	}
	m.actions = append(m.actions, a)
	return a
}

func (m *Memory) ListActions(ctx context.Context, entity model.EntityType, entityID int64, limit int) ([]model.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.Action{}
	for _, a := range m.actions {
		if entity != "" && a.EntityType != entity {
			continue
		}
		if entityID != 0 && a.EntityID != entityID {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// reportIDsLocked returns report ids for a location in insertion order.
func (m *Memory) reportIDsLocked(locationID int64) []int64 {
	ids := []int64{}
	for id, r := range m.reports {
		if r.LocationID == locationID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Memory) openReportsLocked(locationID int64) []model.Report {
	out := []model.Report{}
	for _, id := range m.reportIDsLocked(locationID) {
		if r := m.reports[id]; r.Open() {
			out = append(out, *r)
		}
	}
	return out
}

// activeTruckLocked returns the most recent truck referenced by any report at
// the location, or 0.
func (m *Memory) activeTruckLocked(locationID int64) int64 {
	best := int64(0)
	for _, r := range m.reports {
		if r.LocationID == locationID && r.TruckID != nil && *r.TruckID > best {
			best = *r.TruckID
		}
	}
	return best
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i := range m.subs {
			if m.subs[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(m.subs) {
		end = len(m.subs)
	}
	items := append([]model.Subscription(nil), m.subs[start:end]...)
	next := ""
	if end < len(m.subs) {
		next = m.subs[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	found := false
	for _, s := range m.subs {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{
		ID: id, SubscriptionID: subscriptionID, EventType: eventType,
		URL: url, Secret: secret, Payload: payload, Status: "pending",
	}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveryOrder = append(m.deliveryOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deliveries[id]; d != nil {
		d.Attempts++
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
		d.LatencyMs = latencyMs
	}
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		out = append(out, item)
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

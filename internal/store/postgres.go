package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"pollrelief/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// querier is satisfied by *sql.DB and *sql.Tx so canonical resolution can run
// inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const locationCols = `id, full_address, street, city, state, zip, lat, lng, validated_at, canonical_location_id, created_at, updated_at`

func scanLocation(row interface{ Scan(...any) error }) (model.Location, error) {
	var l model.Location
	var validatedAt sql.NullTime
	var canonical sql.NullInt64
	err := row.Scan(&l.ID, &l.FullAddress, &l.Street, &l.City, &l.State, &l.Zip, &l.Lat, &l.Lng, &validatedAt, &canonical, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	if validatedAt.Valid {
		t := validatedAt.Time
		l.ValidatedAt = &t
	}
	if canonical.Valid {
		c := canonical.Int64
		l.CanonicalLocationID = &c
	}
	return l, nil
}

const reportCols = `id, location_id, order_id, truck_id, contact, url, wait_time, skipped_at, created_at, updated_at`

func scanReport(row interface{ Scan(...any) error }) (model.Report, error) {
	var r model.Report
	var orderID, truckID sql.NullInt64
	var waitTime sql.NullString
	var skippedAt sql.NullTime
	err := row.Scan(&r.ID, &r.LocationID, &orderID, &truckID, &r.Contact, &r.URL, &waitTime, &skippedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if orderID.Valid {
		v := orderID.Int64
		r.OrderID = &v
	}
	if truckID.Valid {
		v := truckID.Int64
		r.TruckID = &v
	}
	r.WaitTime = waitTime.String
	if skippedAt.Valid {
		t := skippedAt.Time
		r.SkippedAt = &t
	}
	return r, nil
}

func (p *Postgres) GetOrCreateLocation(ctx context.Context, addr model.NormalizedAddress) (model.Location, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Location{}, false, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, created, err := getOrCreateLocationTx(ctx, tx, addr)
	if err != nil {
		return model.Location{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Location{}, false, err
	}
	return loc, created, nil
}

// getOrCreateLocationTx relies on the unique index on full_address: a racing
// insert loses the conflict and falls back to a fetch rather than creating a
// duplicate row.
func getOrCreateLocationTx(ctx context.Context, q querier, addr model.NormalizedAddress) (model.Location, bool, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO locations (full_address, street, city, state, zip, lat, lng)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (full_address) DO NOTHING
		RETURNING `+locationCols,
		addr.FullAddress(), addr.Street, addr.City, addr.State, addr.Zip, addr.Lat, addr.Lng)
	loc, err := scanLocation(row)
	if err == nil {
		return loc, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, false, err
	}
	row = q.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE full_address=$1`, addr.FullAddress())
	loc, err = scanLocation(row)
	if err != nil {
		return model.Location{}, false, err
	}
	return loc, false, nil
}

func (p *Postgres) GetLocation(ctx context.Context, id int64) (model.Location, error) {
	return getLocation(ctx, p.db, id)
}

func getLocation(ctx context.Context, q querier, id int64) (model.Location, error) {
	row := q.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE id=$1`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loc, ErrNotFound
	}
	return loc, err
}

func (p *Postgres) FindLocation(ctx context.Context, token string) (model.Location, error) {
	id, full := parseLocationToken(token)
	if id != 0 {
		return getLocation(ctx, p.db, id)
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE full_address=$1`, full)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loc, ErrNotFound
	}
	return loc, err
}

func (p *Postgres) ResolveCanonical(ctx context.Context, id int64) (model.Location, error) {
	return resolveCanonical(ctx, p.db, id)
}

// resolveCanonical follows the canonical chain to a fixed point, with a
// visited set so a corrupt cycle surfaces as an error instead of a hang.
func resolveCanonical(ctx context.Context, q querier, id int64) (model.Location, error) {
	seen := map[int64]bool{}
	cur, err := getLocation(ctx, q, id)
	if err != nil {
		return model.Location{}, err
	}
	for cur.CanonicalLocationID != nil {
		if seen[cur.ID] {
			return model.Location{}, ErrCanonicalCycle
		}
		seen[cur.ID] = true
		cur, err = getLocation(ctx, q, *cur.CanonicalLocationID)
		if err != nil {
			return model.Location{}, err
		}
	}
	return cur, nil
}

func (p *Postgres) ListLocations(ctx context.Context, cursor string, limit int) ([]model.Location, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	after := int64(0)
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &after)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+locationCols+` FROM locations WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Location{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, loc)
	}
	next := ""
	if len(out) == limit {
		next = fmt.Sprintf("%d", out[len(out)-1].ID)
	}
	return out, next, rows.Err()
}

func (p *Postgres) ValidateLocation(ctx context.Context, id int64, user string) (model.Location, []model.Report, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Location{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, err := resolveCanonical(ctx, tx, id)
	if err != nil {
		return model.Location{}, nil, err
	}
	row := tx.QueryRowContext(ctx, `
		UPDATE locations SET validated_at = COALESCE(validated_at, now()), updated_at = now()
		WHERE id=$1 RETURNING `+locationCols, loc.ID)
	loc, err = scanLocation(row)
	if err != nil {
		return model.Location{}, nil, err
	}
	if err := appendActionTx(ctx, tx, model.EntityLocation, loc.ID, "validated", user); err != nil {
		return model.Location{}, nil, err
	}
	open, err := openReports(ctx, tx, loc.ID)
	if err != nil {
		return model.Location{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return model.Location{}, nil, err
	}
	return loc, open, nil
}

func openReports(ctx context.Context, q querier, locationID int64) ([]model.Report, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+reportCols+` FROM reports
		WHERE location_id=$1 AND skipped_at IS NULL AND order_id IS NULL ORDER BY id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SkipLocation(ctx context.Context, id int64, user string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, err := resolveCanonical(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET skipped_at = now(), updated_at = now()
		WHERE location_id=$1 AND skipped_at IS NULL AND order_id IS NULL`, loc.ID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := appendActionTx(ctx, tx, model.EntityLocation, loc.ID, "skipped", user); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *Postgres) AssignTruck(ctx context.Context, id int64, identifier, user string) (model.Truck, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Truck{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, err := resolveCanonical(ctx, tx, id)
	if err != nil {
		return model.Truck{}, 0, err
	}
	var trk model.Truck
	trk.LocationID = loc.ID
	trk.Identifier = identifier
	err = tx.QueryRowContext(ctx, `
		INSERT INTO trucks (location_id, identifier) VALUES ($1,$2)
		RETURNING id, created_at`, loc.ID, identifier).Scan(&trk.ID, &trk.CreatedAt)
	if err != nil {
		return model.Truck{}, 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET truck_id=$1, updated_at=now()
		WHERE location_id=$2 AND skipped_at IS NULL AND order_id IS NULL AND truck_id IS NULL`, trk.ID, loc.ID)
	if err != nil {
		return model.Truck{}, 0, err
	}
	n, _ := res.RowsAffected()
	if err := appendActionTx(ctx, tx, model.EntityLocation, loc.ID, "assigned truck", user); err != nil {
		return model.Truck{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return model.Truck{}, 0, err
	}
	return trk, int(n), nil
}

func (p *Postgres) MergeLocations(ctx context.Context, sourceID, canonicalID int64, user string) (model.Location, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Location{}, err
	}
	defer func() { _ = tx.Rollback() }()
	src, err := getLocation(ctx, tx, sourceID)
	if err != nil {
		return model.Location{}, err
	}
	canon, err := getLocation(ctx, tx, canonicalID)
	if err != nil {
		return model.Location{}, err
	}
	if src.ID == canon.ID {
		return model.Location{}, ErrCanonicalCycle
	}
	// walking from the target must never reach the source
	seen := map[int64]bool{}
	for cur := canon; cur.CanonicalLocationID != nil; {
		next := *cur.CanonicalLocationID
		if next == src.ID || seen[next] {
			return model.Location{}, ErrCanonicalCycle
		}
		seen[next] = true
		cur, err = getLocation(ctx, tx, next)
		if err != nil {
			return model.Location{}, err
		}
	}
	for _, table := range []string{"reports", "orders", "trucks"} {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET location_id=$1 WHERE location_id=$2`, canon.ID, src.ID); err != nil {
			return model.Location{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE locations SET canonical_location_id=$1, validated_at=NULL, updated_at=now()
		WHERE id=$2`, canon.ID, src.ID); err != nil {
		return model.Location{}, err
	}
	if err := appendActionTx(ctx, tx, model.EntityLocation, src.ID, fmt.Sprintf("merged into %d", canon.ID), user); err != nil {
		return model.Location{}, err
	}
	if err := appendActionTx(ctx, tx, model.EntityLocation, canon.ID, fmt.Sprintf("absorbed %d", src.ID), user); err != nil {
		return model.Location{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Location{}, err
	}
	return canon, nil
}

func (p *Postgres) CreateReport(ctx context.Context, in model.ReportIn) (model.Report, model.ReportReceipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, created, err := getOrCreateLocationTx(ctx, tx, in.Address)
	if err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	loc, err = resolveCanonical(ctx, tx, loc.ID)
	if err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	receipt := model.ReportReceipt{LocationValidated: loc.ValidatedAt != nil, LocationCreated: created}

	// dedup on source URL over reports that are neither skipped nor fulfilled
	row := tx.QueryRowContext(ctx, `
		SELECT `+reportCols+` FROM reports
		WHERE location_id=$1 AND url=$2 AND skipped_at IS NULL AND order_id IS NULL
		ORDER BY id LIMIT 1`, loc.ID, in.URL)
	if existing, err := scanReport(row); err == nil {
		receipt.HasTruck = existing.TruckID != nil
		if err := tx.Commit(); err != nil {
			return model.Report{}, model.ReportReceipt{}, err
		}
		return existing, receipt, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, model.ReportReceipt{}, err
	}
	receipt.IsUniqueReport = true

	// an active truck dispatch at the location carries over to new reports
	var truckID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT truck_id FROM reports
		WHERE location_id=$1 AND truck_id IS NOT NULL
		ORDER BY truck_id DESC LIMIT 1`, loc.ID).Scan(&truckID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, model.ReportReceipt{}, err
	}
	receipt.HasTruck = truckID.Valid

	row = tx.QueryRowContext(ctx, `
		INSERT INTO reports (location_id, truck_id, contact, url, wait_time)
		VALUES ($1,$2,$3,$4,$5) RETURNING `+reportCols,
		loc.ID, truckID, in.Contact, in.URL, nullIfEmpty(in.WaitTime))
	rep, err := scanReport(row)
	if err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	if err := appendActionTx(ctx, tx, model.EntityReport, rep.ID, "reported", ""); err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Report{}, model.ReportReceipt{}, err
	}
	return rep, receipt, nil
}

func (p *Postgres) ListReports(ctx context.Context, locationID int64) ([]model.Report, error) {
	loc, err := resolveCanonical(ctx, p.db, locationID)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+reportCols+` FROM reports WHERE location_id=$1 ORDER BY id`, loc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlaceOrder creates the order, closes every open report by attaching it, and
// validates the location, all inside one transaction. Partial application is a
// correctness violation, so any failure rolls the whole sequence back.
func (p *Postgres) PlaceOrder(ctx context.Context, locationID int64, in model.OrderIn) (model.Order, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()
	loc, err := resolveCanonical(ctx, tx, locationID)
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
	ord := model.Order{LocationID: loc.ID, Cost: in.Cost, Quantity: in.Quantity, OrderType: orderType, Restaurant: in.Restaurant}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (location_id, cost, quantity, order_type, restaurant)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		loc.ID, in.Cost, in.Quantity, orderType, nullIfEmpty(in.Restaurant)).Scan(&ord.ID, &ord.CreatedAt)
	if err != nil {
		return model.Order{}, 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET order_id=$1, updated_at=now()
		WHERE location_id=$2 AND skipped_at IS NULL AND order_id IS NULL`, ord.ID, loc.ID)
	if err != nil {
		return model.Order{}, 0, err
	}
	closed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `
		UPDATE locations SET validated_at = COALESCE(validated_at, now()), updated_at = now()
		WHERE id=$1`, loc.ID); err != nil {
		return model.Order{}, 0, err
	}
	if err := appendActionTx(ctx, tx, model.EntityLocation, loc.ID, "validated", user); err != nil {
		return model.Order{}, 0, err
	}
	if err := appendActionTx(ctx, tx, model.EntityOrder, ord.ID, "ordered", user); err != nil {
		return model.Order{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return model.Order{}, 0, err
	}
	return ord, int(closed), nil
}

func (p *Postgres) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	var ord model.Order
	var restaurant sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, location_id, cost, quantity, order_type, restaurant, created_at
		FROM orders WHERE id=$1`, id).
		Scan(&ord.ID, &ord.LocationID, &ord.Cost, &ord.Quantity, &ord.OrderType, &restaurant, &ord.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ord, ErrNotFound
	}
	ord.Restaurant = restaurant.String
	return ord, err
}

func (p *Postgres) AppendAction(ctx context.Context, entity model.EntityType, entityID int64, actionType, user string) (model.Action, error) {
	if user == "" {
		user = model.DefaultUser
	}
	var a model.Action
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO actions (user_id, entity_type, entity_id, action_type)
		VALUES ($1,$2,$3,$4) RETURNING id, user_id, entity_type, entity_id, action_type, created_at`,
		user, string(entity), entityID, actionType).
		Scan(&a.ID, &a.UserID, &a.EntityType, &a.EntityID, &a.ActionType, &a.CreatedAt)
	return a, err
}

func appendActionTx(ctx context.Context, q querier, entity model.EntityType, entityID int64, actionType, user string) error {
	if user == "" {
		user = model.DefaultUser
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO actions (user_id, entity_type, entity_id, action_type)
		VALUES ($1,$2,$3,$4)`, user, string(entity), entityID, actionType)
	return err
}

func (p *Postgres) ListActions(ctx context.Context, entity model.EntityType, entityID int64, limit int) ([]model.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, entity_type, entity_id, action_type, created_at FROM actions
		WHERE ($1::text = '' OR entity_type=$1) AND ($2::bigint = 0 OR entity_id=$2)
		ORDER BY id LIMIT $3`, string(entity), entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Action{}
	for rows.Next() {
		var a model.Action
		if err := rows.Scan(&a.ID, &a.UserID, &a.EntityType, &a.EntityID, &a.ActionType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		id, req.URL, ev, req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE events @> $1::jsonb`,
		fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, url, secret, events FROM subscriptions
		WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil {
			return nil, "", err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, 'pending', 0, now())`,
		id, subscriptionID, eventType, url, secret, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries
		WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now()
			WHERE id=$1`, id, responseCode, latencyMs)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status='retry', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5
		WHERE id=$1`, id, lastError, responseCode, latencyMs, next)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status='failed', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4
		WHERE id=$1`, id, lastError, responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, event_type, status, attempts, url, COALESCE(last_error,''), next_attempt_at
		FROM webhook_deliveries
		WHERE ($1::text = '' OR status=$1) AND id::text > $2
		ORDER BY id LIMIT $3`, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	last := ""
	for rows.Next() {
		var id, eventType, st, url, lastError string
		var attempts int
		var nextAttempt sql.NullTime
		if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &lastError, &nextAttempt); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if lastError != "" {
			item["lastError"] = lastError
		}
		if nextAttempt.Valid {
			item["nextAttemptAt"] = nextAttempt.Time
		}
		out = append(out, item)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

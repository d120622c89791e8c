package store

import (
	"context"
	"errors"
	"time"

	"pollrelief/internal/model"
)

// Store is the persistence interface used by the API server. Lifecycle
// semantics (dedup, merge re-parenting, order fan-out) live behind this
// interface so the memory and postgres implementations stay interchangeable.
type Store interface {
	// Locations
	GetOrCreateLocation(ctx context.Context, addr model.NormalizedAddress) (loc model.Location, created bool, err error)
	GetLocation(ctx context.Context, id int64) (model.Location, error)
	// FindLocation resolves a numeric token by id, otherwise by exact
	// (percent/space-decoded) full address.
	FindLocation(ctx context.Context, token string) (model.Location, error)
	// ResolveCanonical follows canonical_location_id to a fixed point.
	ResolveCanonical(ctx context.Context, id int64) (model.Location, error)
	ListLocations(ctx context.Context, cursor string, limit int) ([]model.Location, string, error)
	// ValidateLocation stamps validated_at if unset and always logs the call.
	// It returns the location plus its open reports so the caller can fan out
	// one notification per distinct report URL.
	ValidateLocation(ctx context.Context, id int64, user string) (model.Location, []model.Report, error)
	// SkipLocation stamps skipped_at on every open report; returns the count.
	SkipLocation(ctx context.Context, id int64, user string) (int, error)
	// AssignTruck creates a truck and attaches it to open reports that do not
	// already carry one; returns the truck and the attach count.
	AssignTruck(ctx context.Context, id int64, identifier, user string) (model.Truck, int, error)
	// MergeLocations re-parents all reports, orders and trucks from source to
	// canonical in one transaction. Unknown canonical ids are ErrNotFound and
	// leave the source untouched; merges that would close a canonical-chain
	// cycle are ErrCanonicalCycle.
	MergeLocations(ctx context.Context, sourceID, canonicalID int64, user string) (model.Location, error)

	// Reports
	CreateReport(ctx context.Context, in model.ReportIn) (model.Report, model.ReportReceipt, error)
	ListReports(ctx context.Context, locationID int64) ([]model.Report, error)

	// Orders
	PlaceOrder(ctx context.Context, locationID int64, in model.OrderIn) (ord model.Order, closed int, err error)
	GetOrder(ctx context.Context, id int64) (model.Order, error)

	// Audit trail
	AppendAction(ctx context.Context, entity model.EntityType, entityID int64, actionType, user string) (model.Action, error)
	ListActions(ctx context.Context, entity model.EntityType, entityID int64, limit int) ([]model.Action, error)

	// Notification subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
}

// WebhookDelivery is a pending or settled notification dispatch.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var (
	ErrNotFound = errors.New("not found")
	// ErrCanonicalCycle rejects a merge that would close a cycle in the
	// canonical location chain.
	ErrCanonicalCycle = errors.New("merge would create canonical cycle")
)

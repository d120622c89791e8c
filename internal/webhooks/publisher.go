// Package webhooks fans domain events out to registered HTTP subscribers with
// signed payloads and retrying background delivery.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pollrelief/internal/store"
)

// Publisher matches events against subscriptions and enqueues one delivery
// per subscriber. Enqueueing is synchronous; delivery is the Worker's job.
type Publisher struct {
	Store store.Store
	Log   *logrus.Logger
}

type envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Emit enqueues the event for every subscription covering eventType. Failures
// are logged and swallowed: a broken hook must never fail the triggering
// request.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		p.Log.WithError(err).WithField("event", eventType).Warn("webhook subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		p.Log.WithError(err).WithField("event", eventType).Warn("webhook payload marshal failed")
		return
	}
	for _, sub := range subs {
		payload, _ := json.Marshal(envelope{
			ID:        uuid.New().String(),
			EventType: eventType,
			CreatedAt: time.Now().UTC(),
			Data:      raw,
		})
		id, err := p.Store.EnqueueWebhook(ctx, sub.ID, eventType, sub.URL, sub.Secret, payload)
		if err != nil {
			p.Log.WithError(err).WithFields(logrus.Fields{
				"event":        eventType,
				"subscription": sub.ID,
			}).Warn("webhook enqueue failed")
			continue
		}
		p.Log.WithFields(logrus.Fields{
			"event":    eventType,
			"delivery": id,
		}).Debug("webhook enqueued")
	}
}

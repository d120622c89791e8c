package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"pollrelief/internal/metrics"
	"pollrelief/internal/store"
)

const (
	defaultMaxAttempts = 8
	batchSize          = 50
	pollInterval       = 2 * time.Second
	requestTimeout     = 10 * time.Second
)

// Worker drains due deliveries on a ticker, posting each payload with its
// HMAC signature and scheduling retries with exponential backoff.
type Worker struct {
	Store       store.Store
	Log         *logrus.Logger
	Metrics     *metrics.Metrics
	MaxAttempts int
	Client      *http.Client
}

func NewWorker(st store.Store, log *logrus.Logger, m *metrics.Metrics, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		Store:       st,
		Log:         log,
		Metrics:     m,
		MaxAttempts: maxAttempts,
		Client:      &http.Client{Timeout: requestTimeout},
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	due, err := w.Store.FetchDueWebhookDeliveries(ctx, batchSize)
	if err != nil {
		w.Log.WithError(err).Warn("webhook fetch failed")
		return
	}
	for _, d := range due {
		w.attempt(ctx, d)
	}
}

func (w *Worker) attempt(ctx context.Context, d store.WebhookDelivery) {
	start := time.Now()
	code, err := w.post(ctx, d)
	latency := time.Since(start)
	if w.Metrics != nil {
		w.Metrics.WebhookLatency.Observe(latency.Seconds())
	}
	latencyMs := int(latency.Milliseconds())

	if err == nil && code >= 200 && code < 300 {
		if w.Metrics != nil {
			w.Metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
		if err := w.Store.MarkWebhookDelivery(ctx, d.ID, true, nil, "", code, latencyMs); err != nil {
			w.Log.WithError(err).WithField("delivery", d.ID).Warn("webhook mark failed")
		}
		return
	}

	msg := "unexpected status"
	if err != nil {
		msg = err.Error()
	}
	if d.Attempts+1 >= w.MaxAttempts {
		if w.Metrics != nil {
			w.Metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
		if err := w.Store.FailWebhookDelivery(ctx, d.ID, msg, code, latencyMs); err != nil {
			w.Log.WithError(err).WithField("delivery", d.ID).Warn("webhook fail-mark failed")
		}
		w.Log.WithFields(logrus.Fields{
			"delivery": d.ID,
			"attempts": d.Attempts + 1,
		}).Warn("webhook delivery abandoned")
		return
	}
	if w.Metrics != nil {
		w.Metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
	}
	next := time.Now().Add(nextBackoff(d.Attempts + 1))
	if err := w.Store.MarkWebhookDelivery(ctx, d.ID, false, &next, msg, code, latencyMs); err != nil {
		w.Log.WithError(err).WithField("delivery", d.ID).Warn("webhook retry-mark failed")
	}
}

func (w *Worker) post(ctx context.Context, d store.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	if d.Secret != "" {
		req.Header.Set("X-Signature", Sign(d.Secret, d.Payload))
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// nextBackoff doubles from 30s per attempt, capped at 30m.
func nextBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return d
}

// Package api exposes the queue-report and relief-dispatch lifecycle over
// HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pollrelief/internal/address"
	"pollrelief/internal/metrics"
	"pollrelief/internal/store"
	"pollrelief/internal/truck"
	"pollrelief/internal/webhooks"
)

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Store      store.Store
	Pub        *webhooks.Publisher
	Broker     EventBroker
	Normalizer *address.Normalizer
	Schedule   *truck.Schedule
	Metrics    *metrics.Metrics
	Log        *logrus.Logger
	APIKeys    []string
}

// Routes wires the HTTP surface. Sub-resource dispatch under /v1/locations/
// is done by hand the same way everywhere: split the tail, switch on it.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/debugz", s.handleDebugz)

	mux.HandleFunc("/v1/reports", s.handleReports)
	mux.HandleFunc("/v1/locations", s.handleLocations)
	mux.HandleFunc("/v1/locations/", s.handleLocationSubpath)
	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/orders/", s.handleOrder)
	mux.HandleFunc("/v1/events/ws", s.handleGlobalEvents)
	mux.HandleFunc("/v1/trucks/eligibility", s.handleEligibility)
	mux.HandleFunc("/v1/actions", s.handleActions)
	mux.HandleFunc("/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/v1/subscriptions/", s.handleSubscription)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.handleWebhookDeliveries)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.handleWebhookDeliveryRetry)

	return s.instrument(mux)
}

// instrument records request counts and latency per route family.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := routeFamily(r.URL.Path)
		s.Metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.Metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through so SSE and websocket upgrades survive the
// instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack unsupported")
}

// routeFamily collapses ids out of paths so label cardinality stays bounded.
func routeFamily(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		} else if len(p) == 36 && strings.Count(p, "-") == 4 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pollrelief/internal/model"
	"pollrelief/internal/store"
)

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid body", err.Error())
			return
		}
		verrs := model.ValidationErrors{}
		if u, err := url.Parse(req.URL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
			verrs["url"] = "must be an http(s) URL"
		}
		if len(req.Events) == 0 {
			verrs["events"] = "must list at least one event type"
		}
		if len(verrs) > 0 {
			writeValidation(w, verrs)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			s.internalError(w, err, "create subscription")
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		subs, next, err := s.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("cursor"), limit)
		if err != nil {
			s.internalError(w, err, "list subscriptions")
			return
		}
		resp := map[string]any{"subscriptions": subs}
		if next != "" {
			resp["nextCursor"] = next
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodDelete {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "subscription not found", "")
			return
		}
		s.internalError(w, err, "delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		s.internalError(w, err, "list webhook deliveries")
		return
	}
	resp := map[string]any{"deliveries": items}
	if next != "" {
		resp["nextCursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebhookDeliveryRetry(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	id, op, _ := strings.Cut(rest, "/")
	if op != "retry" || id == "" {
		writeProblem(w, http.StatusNotFound, "not found", "")
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "delivery not found", "")
			return
		}
		s.internalError(w, err, "retry webhook delivery")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"pollrelief/internal/model"
)

// handleLocationEvents dispatches /v1/locations/{id}/events/{stream|ws}.
func (s *Server) handleLocationEvents(w http.ResponseWriter, r *http.Request, loc model.Location) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/locations/")
	parts := strings.Split(rest, "/")
	mode := ""
	if len(parts) >= 3 {
		mode = parts[2]
	}
	switch mode {
	case "stream":
		s.streamSSE(w, r, loc.ID)
	case "ws":
		s.streamWS(w, r, loc.ID)
	default:
		writeProblem(w, http.StatusNotFound, "not found", "")
	}
}

// handleGlobalEvents serves the all-locations firehose over a websocket.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	s.streamWS(w, r, 0)
}

// streamSSE pushes location events as server-sent events until the client
// disconnects.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, locationID int64) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	ch, cancel := s.Broker.Subscribe(locationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, raw)
			flusher.Flush()
		}
	}
}

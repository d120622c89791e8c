package api

import (
	"net/http"
	"runtime"
	"time"

	"pollrelief/internal/buildinfo"
)

var startTime = time.Now()

// handleDebugz reports build and runtime facts. Auth-gated since goroutine
// counts and uptime leak operational detail.
func (s *Server) handleDebugz(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    buildinfo.Version,
		"commit":     buildinfo.Commit,
		"goVersion":  runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"uptimeSec":  int(time.Since(startTime).Seconds()),
	})
}

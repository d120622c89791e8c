package api

import (
	"crypto/subtle"
	"net/http"
)

// authorized gates admin routes on X-API-Key. With no keys configured the
// server runs open, which is the local-dev mode.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.APIKeys) == 0 {
		return true
	}
	got := r.Header.Get("X-API-Key")
	for _, k := range s.APIKeys {
		if subtle.ConstantTimeCompare([]byte(got), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorized(r) {
		return true
	}
	writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
	return false
}

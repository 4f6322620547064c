package server

import (
	"encoding/json"
	"net/http"

	"github.com/itsharex/proxycast/pkg/credential"
)

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports whether the gateway can serve traffic: ready
// means at least one healthy credential is in the pool and no
// background task has burned through its restart budget.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	healthy := 0
	if s.opts.Pool != nil {
		for _, status := range []credential.Status{
			credential.StatusHealthy,
			credential.StatusCooldown,
			credential.StatusUnhealthy,
			credential.StatusDisabled,
		} {
			n := len(s.opts.Pool.CredentialsByStatus(status))
			counts[string(status)] = n
			if status == credential.StatusHealthy {
				healthy = n
			}
		}
	}
	degraded := s.opts.Degraded != nil && s.opts.Degraded()

	w.Header().Set("Content-Type", "application/json")
	if healthy == 0 || degraded {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "not_ready",
			"degraded":    degraded,
			"credentials": counts,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ready",
		"degraded":    false,
		"credentials": counts,
	})
}

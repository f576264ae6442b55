package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// Health serves liveness and readiness probes
type Health struct {
	service string
	checks  map[string]Check
}

// NewHealth creates probes for service with the given dependency checks
func NewHealth(service string, checks map[string]Check) *Health {
	return &Health{service: service, checks: checks}
}

// Live handles GET /health
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.service})
}

// Ready handles GET /ready. It fails when any dependency check fails.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
	})
}

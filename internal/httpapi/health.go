package httpapi

import (
	"context"
	"net/http"
	"time"
)

// Pinger is satisfied by the durable and cache stores; used by readyz to
// verify both dependencies are reachable (SPEC_FULL.md §12.1).
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthz reports process liveness unconditionally.
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports readiness: both durable and cache stores must answer
// within a short timeout, or it returns 503.
func (h *Handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := h.durable.Ping(ctx); err != nil {
		checks["durable"] = err.Error()
		ready = false
	} else {
		checks["durable"] = "ok"
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		ready = false
	} else {
		checks["cache"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

package httpapi

import (
	"net/http"

	"github.com/flowforge/runner/internal/metrics"
)

// Health handles GET /health per spec.md §6:
// {status, running, activeJobs, maxConcurrent, queueStats}.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	m := metrics.Global()
	running := h.Scheduler != nil && h.Scheduler.Running()

	status := "ok"
	if !running {
		status = "stopped"
	}

	maxConcurrent := 0
	if h.Scheduler != nil {
		maxConcurrent = h.Scheduler.MaxConcurrent()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"running":       running,
		"activeJobs":    m.InFlightJobs(),
		"maxConcurrent": maxConcurrent,
		"queueStats": map[string]any{
			"queueDepth": m.QueueDepth(),
		},
	})
}

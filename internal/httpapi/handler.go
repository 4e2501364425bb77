// Package httpapi is the HTTP control surface fixed by spec.md §6: a
// health probe, GitHub webhook ingestion, project/run/job CRUD and log
// polling, a Prometheus scrape endpoint, and a WebSocket job-update
// feed. Grounded on the teacher's controlplane.Handler (struct of
// collaborators + RegisterRoutes on a stdlib ServeMux using Go 1.22+
// method+path patterns) and api/server.go's middleware-stacking
// StartHTTPServer, trimmed of the tenant-scope/authz/gateway/
// rate-limit layers spec.md's HTTP surface doesn't name.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/metrics"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/scheduler"
	"github.com/flowforge/runner/internal/store"
)

// Handler holds everything the control surface's routes need.
type Handler struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	LogBus    *logbus.Bus

	// WebhookSecret is the shared HMAC key for verifying
	// X-Hub-Signature-256 on inbound GitHub webhooks. An empty secret
	// rejects every webhook delivery rather than accepting unsigned
	// bodies.
	WebhookSecret string

	// DefaultTriggerRules is matched against each inbound webhook event
	// via internal/trigger.Match before a run is created. The full
	// per-project pipeline configuration (and its own trigger rules) is
	// loaded by the out-of-scope config collaborator (spec.md §1); this
	// default lets the webhook path exercise the same matching predicate
	// without that loader. A nil slice matches every push/tag event,
	// mirroring GitHub's own "build every push" default.
	DefaultTriggerRules []pipeline.TriggerRule
}

// RegisterRoutes registers every spec.md §6 route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /webhooks/github", h.GitHubWebhook)

	mux.HandleFunc("GET /api/v1/projects", h.ListProjects)
	mux.HandleFunc("POST /api/v1/projects", h.CreateProject)

	mux.HandleFunc("GET /api/v1/runs", h.ListOrGetRuns)
	mux.HandleFunc("POST /api/v1/trigger", h.Trigger)

	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/logs", h.GetJobLogs)

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.PrometheusHandler().ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /ws", h.WebSocket)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

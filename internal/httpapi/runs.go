package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

// ListOrGetRuns handles GET /api/v1/runs[?id=&limit=]. An id returns a
// single run; otherwise runs are listed for projectId, bounded by
// limit (default 50).
func (h *Handler) ListOrGetRuns(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		run, err := h.Store.GetRun(r.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if err == cierr.ErrNotFound {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	projectID := r.URL.Query().Get("projectId")

	runs, err := h.Store.ListRuns(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*domain.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Trigger handles POST /api/v1/trigger: creates a run and returns its
// id. Job resolution (reading the project's pipeline definition and
// matrix-expanding it) happens later, when the scheduler's poller
// picks the new run up via internal/scheduler's PipelineResolver seam.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID    string          `json:"projectId"`
		PipelineName string          `json:"pipelineName"`
		TriggerType  string          `json:"triggerType"`
		TriggerData  json.RawMessage `json:"triggerData,omitempty"`
		Branch       string          `json:"branch,omitempty"`
		CommitSHA    string          `json:"commitSha,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	triggerType := domain.TriggerManual
	if req.TriggerType != "" {
		triggerType = domain.TriggerType(req.TriggerType)
	}

	run, err := h.Store.CreateRun(r.Context(), req.ProjectID, req.PipelineName, triggerType, req.TriggerData, req.Branch, req.CommitSHA)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID})
}

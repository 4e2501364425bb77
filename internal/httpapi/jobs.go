package httpapi

import (
	"net/http"
	"strconv"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if err == cierr.ErrNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobLogs handles GET /api/v1/jobs/{id}/logs[?since=seq]: log chunks
// with sequence strictly greater than since, in emission order.
func (h *Handler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}

	chunks, err := h.Store.GetLogsForJob(r.Context(), id, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chunks == nil {
		chunks = []*domain.LogChunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

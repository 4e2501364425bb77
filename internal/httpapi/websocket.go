package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscribeMsg is the one inbound message shape clients send, per
// spec.md §6: {"type":"subscribe","jobId":"..."}.
type wsSubscribeMsg struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// wsJobUpdateMsg is the one outbound message shape, mirroring the
// inbound subscribe request's jobId.
type wsJobUpdateMsg struct {
	Type   string           `json:"type"`
	JobID  string           `json:"jobId"`
	Status domain.Status    `json:"status,omitempty"`
	Logs   *domain.LogChunk `json:"logs,omitempty"`
}

// WebSocket handles GET /ws: clients subscribe to a job's log/status
// feed by sending {"type":"subscribe","jobId":...} and receive
// {"type":"job_update",...} messages: one status snapshot, then one
// message per log chunk until the request context ends or the log bus
// closes. Reaching a terminal status does not end the feed. One
// subscription per connection,
// matching logbus.Bus's per-job subscriber model.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Op().Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var msg wsSubscribeMsg
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	if msg.Type != "subscribe" || msg.JobID == "" {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "expected {type:subscribe,jobId}"})
		return
	}

	if job, err := h.Store.GetJob(r.Context(), msg.JobID); err == nil {
		_ = conn.WriteJSON(wsJobUpdateMsg{Type: "job_update", JobID: msg.JobID, Status: job.Status})
	}

	ctx := r.Context()
	ch := h.LogBus.Subscribe(ctx, msg.JobID)

	for chunk := range ch {
		c := chunk
		update := wsJobUpdateMsg{Type: "job_update", JobID: msg.JobID, Logs: &c}
		if err := conn.WriteJSON(update); err != nil {
			return
		}
	}
}

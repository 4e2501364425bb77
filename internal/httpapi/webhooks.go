package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/flowforge/runner/internal/domain"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/trigger"
)

type githubPushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// GitHubWebhook handles POST /webhooks/github. The raw body is
// persisted to webhook_deliveries before any action is taken (spec.md
// §6), so a delivery survives even if signature verification, event
// parsing, or run creation fails partway through.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	signature := r.Header.Get("X-Hub-Signature-256")

	delivery, err := h.Store.SaveWebhookDelivery(r.Context(), "github", eventType, json.RawMessage(body), signature)
	if err != nil {
		logging.Op().Error("persist webhook delivery failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persist delivery")
		return
	}

	if !h.verifySignature(body, signature) {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", "signature invalid")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if eventType != "push" {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unsupported event type"})
		return
	}

	var push githubPushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", "malformed payload")
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	branch := strings.TrimPrefix(push.Ref, "refs/heads/")
	var changedPaths []string
	for _, c := range push.Commits {
		changedPaths = append(changedPaths, c.Added...)
		changedPaths = append(changedPaths, c.Modified...)
		changedPaths = append(changedPaths, c.Removed...)
	}

	event := pipelineEventFromPush(branch, changedPaths)
	if len(h.DefaultTriggerRules) > 0 && !trigger.Match(event, h.DefaultTriggerRules) {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no matching trigger rule"})
		return
	}

	project, err := h.Store.GetProjectByName(r.Context(), push.Repository.FullName)
	if err != nil {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", "unknown project")
		writeError(w, http.StatusNotFound, "project not registered")
		return
	}

	run, err := h.Store.CreateRun(r.Context(), project.ID, project.Name, domain.TriggerPush, json.RawMessage(body), branch, push.After)
	if err != nil {
		_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, "", err.Error())
		writeError(w, http.StatusInternalServerError, "create run")
		return
	}

	_ = h.Store.MarkWebhookProcessed(r.Context(), delivery.ID, run.ID, "")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID})
}

func pipelineEventFromPush(branch string, changedPaths []string) pipeline.Event {
	return pipeline.Event{
		Kind:         pipeline.EventPush,
		Branch:       branch,
		ChangedPaths: changedPaths,
	}
}

// verifySignature checks X-Hub-Signature-256 ("sha256=<hex>") against
// body using the configured webhook secret, constant-time. An empty
// configured secret always fails closed.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.WebhookSecret == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(signature, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.WebhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(given, expected)
}

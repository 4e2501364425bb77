package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return &Handler{
		Store:         newTestStore(t),
		LogBus:        logbus.New(),
		WebhookSecret: "test-secret",
	}
}

func TestHealthReportsStoppedWithoutScheduler(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["running"] != false {
		t.Errorf("running = %v, want false", body["running"])
	}
	if body["status"] != "stopped" {
		t.Errorf("status = %v, want stopped", body["status"])
	}
}

func TestCreateAndListProjects(t *testing.T) {
	h := newTestHandler(t)

	body := bytes.NewBufferString(`{"name":"octo/widgets","config_path":".flowforge.yml"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", body)
	rec := httptest.NewRecorder()
	h.CreateProject(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	listRec := httptest.NewRecorder()
	h.ListProjects(listRec, listReq)

	var projects []map[string]any
	if err := json.Unmarshal(listRec.Body.Bytes(), &projects); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(projects) != 1 || projects[0]["name"] != "octo/widgets" {
		t.Fatalf("unexpected project list: %v", projects)
	}
}

func TestTriggerCreatesRun(t *testing.T) {
	h := newTestHandler(t)
	project, err := h.Store.CreateProject(context.Background(), "octo/widgets", ".flowforge.yml")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	reqBody := bytes.NewBufferString(`{"projectId":"` + project.ID + `","pipelineName":"default"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trigger", reqBody)
	rec := httptest.NewRecorder()
	h.Trigger(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("expected a run id in the response")
	}

	run, err := h.Store.GetRun(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ProjectID != project.ID {
		t.Errorf("run.ProjectID = %q, want %q", run.ProjectID, project.ID)
	}
}

func TestGitHubWebhookRejectsBadSignature(t *testing.T) {
	h := newTestHandler(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.GitHubWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body=%s", rec.Code, rec.Body.String())
	}
}

func TestGitHubWebhookReturns404ForUnknownProject(t *testing.T) {
	h := newTestHandler(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"octo/widgets"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signBody(t, "test-secret", body))
	rec := httptest.NewRecorder()

	h.GitHubWebhook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (unregistered project), body=%s", rec.Code, rec.Body.String())
	}
}

func TestGitHubWebhookTriggersRunForRegisteredProject(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Store.CreateProject(context.Background(), "octo/widgets", ".flowforge.yml")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"octo/widgets"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signBody(t, "test-secret", body))
	rec := httptest.NewRecorder()

	h.GitHubWebhook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
}

func signBody(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

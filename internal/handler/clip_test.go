package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clipreel/api/internal/model"
	"github.com/clipreel/api/internal/service"
	"github.com/clipreel/api/internal/store"
	ws "github.com/clipreel/api/internal/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	count int
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.count++
	return &asynq.TaskInfo{ID: "t"}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type testApp struct {
	app      *fiber.App
	store    *store.MemoryStore
	enqueuer *fakeEnqueuer
}

func setupApp(t *testing.T, ping error) *testApp {
	t.Helper()

	s := store.NewMemoryStore()
	q := &fakeEnqueuer{}
	svc := service.NewClipService(s, q, "clips", time.Hour)

	app := fiber.New()
	Register(app, Routes{
		Clips:  NewClipHandler(svc, validator.New()),
		Hub:    ws.NewHub(nil),
		Health: fakePinger{err: ping},
	})
	return &testApp{app: app, store: s, enqueuer: q}
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("failed to parse JSON: %v\nbody: %s", err, raw)
		}
	}
	return resp, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestSubmit_Accepted(t *testing.T) {
	for _, path := range []string{"/api/process-video", "/api/jobs"} {
		t.Run(path, func(t *testing.T) {
			ta := setupApp(t, nil)

			resp, body := doRequest(t, ta.app, http.MethodPost, path, `{"url":"https://example.com/watch?v=1","mediaKind":"audio"}`)
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
			}
			jobID, _ := body["jobId"].(string)
			if jobID == "" || body["state"] != "queued" {
				t.Fatalf("body = %v", body)
			}

			job, err := ta.store.Get(context.Background(), jobID)
			if err != nil {
				t.Fatalf("job not stored: %v", err)
			}
			if job.MediaKind != model.MediaKindAudio {
				t.Errorf("media kind = %s", job.MediaKind)
			}
			if ta.enqueuer.count != 1 {
				t.Errorf("enqueued %d tasks", ta.enqueuer.count)
			}
		})
	}
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "missing url", body: `{}`, field: "URL"},
		{name: "not a url", body: `{"url":"not a url"}`, field: "URL"},
		{name: "bad media kind", body: `{"url":"https://example.com/v","mediaKind":"gif"}`, field: "MediaKind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupApp(t, nil)

			resp, body := doRequest(t, ta.app, http.MethodPost, "/api/process-video", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if errorCode(body) != "VALIDATION_ERROR" {
				t.Errorf("code = %q", errorCode(body))
			}
			details, _ := body["error"].(map[string]interface{})["details"].(map[string]interface{})
			if _, ok := details[tt.field]; !ok {
				t.Errorf("details %v missing %s", details, tt.field)
			}
			if ta.enqueuer.count != 0 {
				t.Error("invalid request was enqueued")
			}
		})
	}
}

func TestSubmit_InvalidBody(t *testing.T) {
	ta := setupApp(t, nil)

	resp, body := doRequest(t, ta.app, http.MethodPost, "/api/process-video", `{"url":`)
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestSubmit_QueueDown(t *testing.T) {
	ta := setupApp(t, nil)
	ta.enqueuer.err = errors.New("dial tcp: connection refused")

	resp, body := doRequest(t, ta.app, http.MethodPost, "/api/process-video", `{"url":"https://example.com/v"}`)
	if resp.StatusCode != http.StatusInternalServerError || errorCode(body) != "SERVICE_ERROR" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestStatus(t *testing.T) {
	ta := setupApp(t, nil)

	msg := "download failed: fetch error: HTTP Error 404"
	done := time.Now().UTC()
	err := ta.store.Create(context.Background(), &model.Job{
		ID:          "job-1",
		State:       model.JobStateFailed,
		Progress:    12,
		Message:     msg,
		Error:       &msg,
		CreatedAt:   done,
		CompletedAt: &done,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, ta.app, http.MethodGet, "/api/jobs/job-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["state"] != "failed" || body["progress"] != 12.0 || body["error"] != msg {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["result"]; ok {
		t.Error("failed job should not carry a result")
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t, nil)

	resp, body := doRequest(t, ta.app, http.MethodGet, "/api/jobs/unknown", "")
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	ta := setupApp(t, nil)

	resp, _ := doRequest(t, ta.app, http.MethodGet, "/ws/jobs/job-1", "")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, nil)
	resp, body := doRequest(t, ta.app, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}

	down := setupApp(t, errors.New("redis down"))
	resp, body = doRequest(t, down.app, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable || errorCode(body) != "SERVICE_UNAVAILABLE" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = doRequest(t, ta.app, http.MethodGet, "/", "")
	if resp.StatusCode != http.StatusOK || body["service"] != "clipreel" {
		t.Errorf("root = %d %v", resp.StatusCode, body)
	}
}

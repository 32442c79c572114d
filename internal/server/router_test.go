package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/waytrail/waytrail-jobs/internal/core"
	"github.com/waytrail/waytrail-jobs/internal/events"
	"github.com/waytrail/waytrail-jobs/internal/queue"
	"github.com/waytrail/waytrail-jobs/internal/worker"
)

func newTestServer(t *testing.T) (*httptest.Server, *worker.Dispatcher) {
	t.Helper()

	store := queue.NewMemoryStore()
	reg := worker.NewRegistry()
	bus := events.NewBus()
	disp := worker.NewDispatcher(store, reg, bus, worker.Config{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})

	srv := New(disp, reg, nil, "memory", "test")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})
	return ts, disp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()
	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRouter_HealthAndQueues(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	health := decodeJSONBody(t, resp.Body)
	if health["backend"] != "memory" {
		t.Fatalf("backend = %v", health["backend"])
	}

	resp, err = http.Get(ts.URL + "/v1/queues")
	if err != nil {
		t.Fatalf("GET /v1/queues: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queues status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRouter_EnqueueAndFetchJob(t *testing.T) {
	ts, _ := newTestServer(t)

	createResp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{
		"type":    "send-notification",
		"payload": map[string]any{"userId": "u1", "kind": "nudge"},
		"queue":   core.QueueDefault,
	})
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", createResp.StatusCode, http.StatusCreated)
	}
	created := decodeJSONBody(t, createResp.Body)
	job, _ := created["job"].(map[string]any)
	jobID, _ := job["id"].(string)
	if jobID == "" {
		t.Fatalf("create response missing job.id: %#v", created)
	}
	if job["status"] != string(core.StatusWaiting) {
		t.Fatalf("status = %v, want waiting", job["status"])
	}

	getResp, err := http.Get(ts.URL + "/v1/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	fetched := decodeJSONBody(t, getResp.Body)
	fetchedJob, _ := fetched["job"].(map[string]any)
	if fetchedJob["id"] != jobID {
		t.Fatalf("fetched id = %v, want %s", fetchedJob["id"], jobID)
	}
}

func TestRouter_EnqueueRejectsMissingType(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/jobs", map[string]any{"payload": map[string]any{}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRouter_GetUnknownJobIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs/no-such-job")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestRouter_CancelWaitingJob(t *testing.T) {
	ts, disp := newTestServer(t)

	id, err := disp.Enqueue(context.Background(), "anything", nil, worker.Options{
		Delay: time.Hour,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	cancelled := decodeJSONBody(t, resp.Body)
	job, _ := cancelled["job"].(map[string]any)
	if job["status"] != string(core.StatusCancelled) {
		t.Fatalf("status = %v, want cancelled", job["status"])
	}

	// second cancel conflicts
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("DELETE again: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want %d", resp2.StatusCode, http.StatusConflict)
	}
}

func TestRouter_DeadLetterLifecycle(t *testing.T) {
	ts, disp := newTestServer(t)
	store := disp.Store()
	ctx := context.Background()

	job := &core.Job{
		ID:          core.NewJobID(),
		Type:        "send-notification",
		Queue:       core.QueueDefault,
		Status:      core.StatusWaiting,
		MaxAttempts: 1,
		CreatedAt:   time.Now(),
		ScheduledAt: time.Now(),
	}
	if err := store.Add(ctx, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.MarkFailed(ctx, job.ID, "boom", nil); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/dead-letter")
	if err != nil {
		t.Fatalf("GET dead-letter: %v", err)
	}
	listed := decodeJSONBody(t, resp.Body)
	if total, _ := listed["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", listed["total"])
	}

	retryResp := postJSON(t, ts.URL+"/v1/dead-letter/"+job.ID+"/retry", map[string]any{})
	if retryResp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d", retryResp.StatusCode)
	}
	retried := decodeJSONBody(t, retryResp.Body)
	retriedJob, _ := retried["job"].(map[string]any)
	if retriedJob["status"] != string(core.StatusWaiting) {
		t.Fatalf("retried status = %v, want waiting", retriedJob["status"])
	}
	if attempts, _ := retriedJob["attempts"].(float64); attempts != 0 {
		t.Fatalf("retried attempts = %v, want 0", retriedJob["attempts"])
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/dead-letter/"+job.ID, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE dead-letter: %v", err)
	}
	defer delResp.Body.Close()
	// the job went back to waiting on retry, so it is no longer dead-lettered
	if delResp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete status = %d, want %d after retry", delResp.StatusCode, http.StatusNotFound)
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pacerhq/pacer/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func triggerRun(t *testing.T, base, envID, taskID string) *model.Run {
	t.Helper()
	body := fmt.Sprintf(`{"environment_id":%q,"org_id":"org_1","task_id":%q}`, envID, taskID)
	resp := postJSON(t, base+"/v1/runs", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("trigger status = %d, want 201", resp.StatusCode)
	}
	var run model.Run
	decodeBody(t, resp, &run)
	return &run
}

func dequeueRuns(t *testing.T, base, envID, queueName string) dequeueResponse {
	t.Helper()
	body := fmt.Sprintf(`{"environment_id":%q,"max_runs":10}`, envID)
	resp := postJSON(t, base+"/v1/queues/"+url.PathEscape(queueName)+"/dequeue", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dequeue status = %d, want 200", resp.StatusCode)
	}
	var out dequeueResponse
	decodeBody(t, resp, &out)
	return out
}

func TestTriggerRunValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")

	if run.Status != model.RunQueued {
		t.Errorf("Status = %q, want %q", run.Status, model.RunQueued)
	}
	if run.QueueName != "task/send-email" {
		t.Errorf("QueueName = %q, want %q", run.QueueName, "task/send-email")
	}
	if run.FriendlyID == "" {
		t.Error("expected a friendly id")
	}
	if run.CompletionWaitpointID == "" {
		t.Error("expected a completion waitpoint")
	}
}

func TestTriggerRunMissingTaskID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"environment_id":"env_1","org_id":"org_1"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerRunInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", "not json")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetRunByFriendlyID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := triggerRun(t, ts.URL, "env_1", "send-email")

	resp, err := http.Get(ts.URL + "/v1/runs/" + created.FriendlyID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.Run
	decodeBody(t, resp, &got)
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/run_01JDOESNOTEXIST0000000000")
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")

	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	if len(out.Runs) != 1 {
		t.Fatalf("dequeued %d runs, want 1", len(out.Runs))
	}
	d := out.Runs[0]
	if d.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", d.AttemptNumber)
	}
	if d.HeartbeatIntervalMS <= 0 {
		t.Errorf("HeartbeatIntervalMS = %d, want > 0", d.HeartbeatIntervalMS)
	}

	// Heartbeat under the fencing token.
	hbBody := fmt.Sprintf(`{"snapshot_id":%q}`, d.SnapshotID)
	hbResp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/heartbeat", hbBody)
	if hbResp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", hbResp.StatusCode)
	}
	var hb heartbeatResponse
	decodeBody(t, hbResp, &hb)
	if hb.IntervalMS <= 0 {
		t.Errorf("IntervalMS = %d, want > 0", hb.IntervalMS)
	}

	// Complete successfully.
	compBody := fmt.Sprintf(`{"snapshot_id":%q,"ok":true,"output":{"sent":true}}`, d.SnapshotID)
	compResp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/complete", compBody)
	if compResp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want 200", compResp.StatusCode)
	}
	var finished model.Run
	decodeBody(t, compResp, &finished)
	if finished.Status != model.RunCompletedSuccessfully {
		t.Errorf("Status = %q, want %q", finished.Status, model.RunCompletedSuccessfully)
	}
}

func TestCompleteWithStaleSnapshotConflicts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")
	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	if len(out.Runs) != 1 {
		t.Fatalf("dequeued %d runs, want 1", len(out.Runs))
	}

	body := `{"snapshot_id":"snap_01JSTALESNAPSHOT000000000","ok":true}`
	resp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/complete", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCompleteFailedRunRequiresError(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")
	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	d := out.Runs[0]

	body := fmt.Sprintf(`{"snapshot_id":%q,"ok":false}`, d.SnapshotID)
	resp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/complete", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDequeueEmptyQueueReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Trigger so the queue exists, then drain it.
	run := triggerRun(t, ts.URL, "env_1", "send-email")
	dequeueRuns(t, ts.URL, "env_1", run.QueueName)

	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	if len(out.Runs) != 0 {
		t.Errorf("dequeued %d runs, want 0", len(out.Runs))
	}
}

func TestDequeueWorkerIdentity(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")

	// A supplied worker id is echoed back.
	body := `{"environment_id":"env_1","worker_id":"worker-7"}`
	resp := postJSON(t, ts.URL+"/v1/queues/"+url.PathEscape(run.QueueName)+"/dequeue", body)
	var out dequeueResponse
	decodeBody(t, resp, &out)
	if out.WorkerID != "worker-7" {
		t.Errorf("WorkerID = %q, want %q", out.WorkerID, "worker-7")
	}

	// An omitted worker id gets one assigned.
	out = dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	if out.WorkerID == "" {
		t.Error("expected an assigned worker id")
	}
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")

	resp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/cancel", `{"reason":"operator request"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	var canceled model.Run
	decodeBody(t, resp, &canceled)
	if canceled.Status != model.RunCanceled {
		t.Errorf("Status = %q, want %q", canceled.Status, model.RunCanceled)
	}
	if canceled.Error == nil || canceled.Error.Message != "operator request" {
		t.Errorf("Error = %+v, want operator request", canceled.Error)
	}
}

func TestCancelRunWithoutBody(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")

	req, _ := http.NewRequest("POST", ts.URL+"/v1/runs/"+run.FriendlyID+"/cancel", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestTriggerIdempotencyKeyReturnsSameRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"environment_id":"env_1","org_id":"org_1","task_id":"send-email","idempotency_key":"once"}`

	resp1 := postJSON(t, ts.URL+"/v1/runs", body)
	var first model.Run
	decodeBody(t, resp1, &first)

	resp2 := postJSON(t, ts.URL+"/v1/runs", body)
	var second model.Run
	decodeBody(t, resp2, &second)

	if first.ID != second.ID {
		t.Errorf("second trigger created run %q, want %q", second.ID, first.ID)
	}
}

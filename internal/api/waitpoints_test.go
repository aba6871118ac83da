package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pacerhq/pacer/internal/model"
)

func createManualWaitpoint(t *testing.T, base, envID string) *model.Waitpoint {
	t.Helper()
	body := fmt.Sprintf(`{"environment_id":%q,"type":"MANUAL"}`, envID)
	resp := postJSON(t, base+"/v1/waitpoints", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create waitpoint status = %d, want 201", resp.StatusCode)
	}
	var wp model.Waitpoint
	decodeBody(t, resp, &wp)
	return &wp
}

func TestCreateWaitpointMissingEnv(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/waitpoints", `{"type":"MANUAL"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBlockAndManualResume(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")
	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	d := out.Runs[0]

	wp := createManualWaitpoint(t, ts.URL, "env_1")

	blockBody := fmt.Sprintf(`{"snapshot_id":%q,"waitpoint_ids":[%q]}`, d.SnapshotID, wp.FriendlyID)
	blockResp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/block", blockBody)
	if blockResp.StatusCode != http.StatusOK {
		t.Fatalf("block status = %d, want 200", blockResp.StatusCode)
	}
	blockResp.Body.Close()

	getResp, _ := http.Get(ts.URL + "/v1/runs/" + run.FriendlyID)
	var blocked model.Run
	decodeBody(t, getResp, &blocked)
	if blocked.Status != model.RunWaiting {
		t.Fatalf("Status = %q, want %q", blocked.Status, model.RunWaiting)
	}

	compResp := postJSON(t, ts.URL+"/v1/waitpoints/"+wp.FriendlyID+"/complete", `{"output":{"approved":true}}`)
	if compResp.StatusCode != http.StatusOK {
		t.Fatalf("complete waitpoint status = %d, want 200", compResp.StatusCode)
	}
	var comp completeWaitpointResponse
	decodeBody(t, compResp, &comp)
	if comp.AlreadyCompleted {
		t.Error("AlreadyCompleted = true on first completion")
	}

	getResp, _ = http.Get(ts.URL + "/v1/runs/" + run.FriendlyID)
	var resumed model.Run
	decodeBody(t, getResp, &resumed)
	if resumed.Status != model.RunQueued {
		t.Errorf("Status = %q, want %q after resume", resumed.Status, model.RunQueued)
	}
}

func TestBlockUnknownWaitpointNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := triggerRun(t, ts.URL, "env_1", "send-email")
	out := dequeueRuns(t, ts.URL, "env_1", run.QueueName)
	d := out.Runs[0]

	body := fmt.Sprintf(`{"snapshot_id":%q,"waitpoint_ids":["wp_01JDOESNOTEXIST0000000000"]}`, d.SnapshotID)
	resp := postJSON(t, ts.URL+"/v1/runs/"+run.FriendlyID+"/block", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCompleteWaitpointTwiceReportsAlreadyCompleted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wp := createManualWaitpoint(t, ts.URL, "env_1")

	resp := postJSON(t, ts.URL+"/v1/waitpoints/"+wp.FriendlyID+"/complete", `{"output":{"n":1}}`)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/waitpoints/"+wp.FriendlyID+"/complete", `{"output":{"n":2}}`)
	var comp completeWaitpointResponse
	decodeBody(t, resp, &comp)
	if !comp.AlreadyCompleted {
		t.Error("AlreadyCompleted = false on second completion")
	}
}

func TestBatchLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/batches", `{"environment_id":"env_1","run_count":1}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch status = %d, want 201", resp.StatusCode)
	}
	var batch model.Batch
	decodeBody(t, resp, &batch)
	if batch.WaitpointID == "" {
		t.Fatal("expected a batch waitpoint")
	}

	// Trigger the single member and complete it.
	body := fmt.Sprintf(`{"environment_id":"env_1","org_id":"org_1","task_id":"member","batch_id":%q}`, batch.FriendlyID)
	triggerResp := postJSON(t, ts.URL+"/v1/runs", body)
	var member model.Run
	decodeBody(t, triggerResp, &member)

	out := dequeueRuns(t, ts.URL, "env_1", member.QueueName)
	d := out.Runs[0]
	compBody := fmt.Sprintf(`{"snapshot_id":%q,"ok":true}`, d.SnapshotID)
	postJSON(t, ts.URL+"/v1/runs/"+member.FriendlyID+"/complete", compBody).Body.Close()

	getResp, err := http.Get(ts.URL + "/v1/batches/" + batch.FriendlyID)
	if err != nil {
		t.Fatalf("GET batch: %v", err)
	}
	var got batchResponse
	decodeBody(t, getResp, &got)
	if got.TotalRuns != 1 || got.FinishedRuns != 1 {
		t.Errorf("progress = %d/%d, want 1/1", got.FinishedRuns, got.TotalRuns)
	}
	if got.CompletedAt == nil {
		t.Error("expected batch to be completed")
	}
}

func TestCreateBatchInvalidRunCount(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/batches", `{"environment_id":"env_1","run_count":0}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

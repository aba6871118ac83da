package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pacerhq/pacer/internal/engine"
	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

const (
	maxBodySize    = 1 << 20 // 1 MB
	maxDequeueWait = 60 * time.Second
	maxDequeueRuns = 100
)

// triggerRunRequest is the JSON body for POST /v1/runs.
type triggerRunRequest struct {
	EnvironmentID  string   `json:"environment_id"`
	OrgID          string   `json:"org_id"`
	ProjectID      string   `json:"project_id"`
	TaskID         string   `json:"task_id"`
	Queue          string   `json:"queue"`
	IdempotencyKey string   `json:"idempotency_key"`
	Tags           []string `json:"tags"`
	PriorityMS     int64    `json:"priority_ms"`
	MaxAttempts    int      `json:"max_attempts"`
	TTLSeconds     int64    `json:"ttl_seconds"`
	BatchID        string   `json:"batch_id"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if req.EnvironmentID == "" || req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id and org_id are required")
		return
	}

	run, err := s.engine.Trigger(r.Context(), engine.TriggerRequest{
		EnvironmentID:  req.EnvironmentID,
		OrgID:          req.OrgID,
		ProjectID:      req.ProjectID,
		TaskID:         req.TaskID,
		QueueName:      req.Queue,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           req.Tags,
		PriorityMS:     req.PriorityMS,
		MaxAttempts:    req.MaxAttempts,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
		BatchID:        model.InternalID(model.BatchIDPrefix, req.BatchID),
	})
	if err != nil {
		s.writeEngineError(w, "trigger run", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := runID(r)

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// dequeueRequest is the JSON body for POST /v1/queues/{name}/dequeue.
// WorkerID identifies the consumer in logs; one is assigned if omitted.
type dequeueRequest struct {
	EnvironmentID string `json:"environment_id"`
	WorkerID      string `json:"worker_id"`
	MaxRuns       int    `json:"max_runs"`
	WaitMS        int64  `json:"wait_ms"`
}

// dequeuedRunResponse is one run handed to a worker.
type dequeuedRunResponse struct {
	Run                 *model.Run `json:"run"`
	SnapshotID          string     `json:"snapshot_id"`
	AttemptNumber       int        `json:"attempt_number"`
	HeartbeatIntervalMS int64      `json:"heartbeat_interval_ms"`
}

type dequeueResponse struct {
	WorkerID string                `json:"worker_id"`
	Runs     []dequeuedRunResponse `json:"runs"`
}

// handleDequeue releases admissible runs from a queue. With wait_ms the
// call long-polls: an empty queue blocks on the notifier until work
// arrives or the wait elapses, then reports an empty (not error) result.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)
	var req dequeueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = uuid.NewString()
	}
	if req.MaxRuns <= 0 {
		req.MaxRuns = 1
	}
	if req.MaxRuns > maxDequeueRuns {
		req.MaxRuns = maxDequeueRuns
	}

	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait > maxDequeueWait {
		wait = maxDequeueWait
	}
	deadline := time.Now().Add(wait)

	for {
		runs, err := s.engine.Dequeue(r.Context(), req.EnvironmentID, name, req.MaxRuns)
		if err != nil {
			s.writeEngineError(w, "dequeue", err)
			return
		}
		if len(runs) > 0 || wait <= 0 {
			if len(runs) > 0 {
				s.logger.Info("runs dequeued", "worker_id", req.WorkerID, "queue", name, "count", len(runs))
			}
			s.writeJSON(w, http.StatusOK, dequeueResp(req.WorkerID, runs))
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.writeJSON(w, http.StatusOK, dequeueResp(req.WorkerID, nil))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), remaining)
		err = s.engine.Notifier().Wait(ctx, queue.KeyFor(req.EnvironmentID, name))
		cancel()
		if err != nil {
			// Wait elapsed or the client went away; one last poll covers
			// the wake-before-wait race.
			runs, derr := s.engine.Dequeue(r.Context(), req.EnvironmentID, name, req.MaxRuns)
			if derr != nil {
				s.writeEngineError(w, "dequeue", derr)
				return
			}
			s.writeJSON(w, http.StatusOK, dequeueResp(req.WorkerID, runs))
			return
		}
	}
}

func dequeueResp(workerID string, runs []*engine.DequeuedRun) dequeueResponse {
	out := dequeueResponse{WorkerID: workerID, Runs: make([]dequeuedRunResponse, 0, len(runs))}
	for _, d := range runs {
		out.Runs = append(out.Runs, dequeuedRunResponse{
			Run:                 d.Run,
			SnapshotID:          d.SnapshotID,
			AttemptNumber:       d.AttemptNumber,
			HeartbeatIntervalMS: d.HeartbeatInterval.Milliseconds(),
		})
	}
	return out
}

// heartbeatRequest is the JSON body for POST /v1/runs/{id}/heartbeat.
type heartbeatRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

type heartbeatResponse struct {
	IntervalMS int64 `json:"interval_ms"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := runID(r)
	var req heartbeatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SnapshotID == "" {
		s.writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}

	interval, err := s.engine.Heartbeat(r.Context(), id, model.InternalID(model.SnapshotIDPrefix, req.SnapshotID))
	if err != nil {
		s.writeEngineError(w, "heartbeat", err)
		return
	}
	s.writeJSON(w, http.StatusOK, heartbeatResponse{IntervalMS: interval.Milliseconds()})
}

// completeRunRequest is the JSON body for POST /v1/runs/{id}/complete.
type completeRunRequest struct {
	SnapshotID string          `json:"snapshot_id"`
	Ok         bool            `json:"ok"`
	Output     json.RawMessage `json:"output"`
	Error      *model.RunError `json:"error"`
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	id := runID(r)
	var req completeRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SnapshotID == "" {
		s.writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	if !req.Ok && req.Error == nil {
		s.writeError(w, http.StatusBadRequest, "error is required for a failed run")
		return
	}

	run, err := s.engine.Complete(r.Context(), id, model.InternalID(model.SnapshotIDPrefix, req.SnapshotID), engine.CompleteRequest{
		Ok:     req.Ok,
		Output: req.Output,
		Error:  req.Error,
	})
	if err != nil {
		s.writeEngineError(w, "complete run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// cancelRunRequest is the JSON body for POST /v1/runs/{id}/cancel.
type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := runID(r)
	var req cancelRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	// The body is optional; cancel with no reason is fine.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.engine.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.writeEngineError(w, "cancel run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// runID extracts the run id URL param, accepting friendly ids.
func runID(r *http.Request) string {
	return model.InternalID(model.RunIDPrefix, chi.URLParam(r, "id"))
}

// queueName extracts the queue name URL param. Queue names may contain
// slashes (task/send-email), so clients path-escape them.
func queueName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// writeEngineError maps engine and store errors onto HTTP statuses:
// not-found → 404, fencing violations and finalized runs → 409, bad
// transitions and validation → 400, everything else → 500.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrWaitpointNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrQueueNotFound),
		errors.Is(err, queue.ErrQueueNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStaleSnapshot),
		errors.Is(err, store.ErrRunFinal):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, queue.ErrQueueNotOverridden):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

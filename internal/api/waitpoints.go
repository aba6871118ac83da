package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pacerhq/pacer/internal/engine"
	"github.com/pacerhq/pacer/internal/model"
)

// createWaitpointRequest is the JSON body for POST /v1/waitpoints.
type createWaitpointRequest struct {
	EnvironmentID  string     `json:"environment_id"`
	Type           string     `json:"type"`
	IdempotencyKey string     `json:"idempotency_key"`
	CompletedAfter *time.Time `json:"completed_after"`
}

func (s *Server) handleCreateWaitpoint(w http.ResponseWriter, r *http.Request) {
	var req createWaitpointRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}

	wp, err := s.engine.CreateWaitpoint(r.Context(), engine.CreateWaitpointRequest{
		EnvironmentID:  req.EnvironmentID,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
		CompletedAfter: req.CompletedAfter,
	})
	if err != nil {
		s.writeEngineError(w, "create waitpoint", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wp)
}

func (s *Server) handleGetWaitpoint(w http.ResponseWriter, r *http.Request) {
	id := model.InternalID(model.WaitpointIDPrefix, chi.URLParam(r, "id"))

	wp, err := s.store.GetWaitpoint(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get waitpoint", err)
		return
	}
	s.writeJSON(w, http.StatusOK, wp)
}

// blockRunRequest is the JSON body for POST /v1/runs/{id}/block.
// CheckpointID references worker state saved before suspending; a block
// carrying one is recorded as SUSPENDED rather than BLOCKED_BY_WAITPOINTS.
type blockRunRequest struct {
	SnapshotID   string     `json:"snapshot_id"`
	WaitpointIDs []string   `json:"waitpoint_ids"`
	FailAfter    *time.Time `json:"fail_after"`
	CheckpointID string     `json:"checkpoint_id"`
}

func (s *Server) handleBlockRun(w http.ResponseWriter, r *http.Request) {
	id := runID(r)
	var req blockRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SnapshotID == "" {
		s.writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	if len(req.WaitpointIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "waitpoint_ids is required")
		return
	}

	ids := make([]string, 0, len(req.WaitpointIDs))
	for _, wpID := range req.WaitpointIDs {
		ids = append(ids, model.InternalID(model.WaitpointIDPrefix, wpID))
	}

	snap, err := s.engine.BlockRun(r.Context(), id, engine.BlockRequest{
		SnapshotID:   model.InternalID(model.SnapshotIDPrefix, req.SnapshotID),
		WaitpointIDs: ids,
		FailAfter:    req.FailAfter,
		CheckpointID: req.CheckpointID,
	})
	if err != nil {
		s.writeEngineError(w, "block run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// completeWaitpointRequest is the JSON body for POST /v1/waitpoints/{id}/complete.
type completeWaitpointRequest struct {
	Output     json.RawMessage `json:"output"`
	OutputType string          `json:"output_type"`
	IsError    bool            `json:"is_error"`
}

type completeWaitpointResponse struct {
	AlreadyCompleted bool `json:"already_completed"`
}

func (s *Server) handleCompleteWaitpoint(w http.ResponseWriter, r *http.Request) {
	id := model.InternalID(model.WaitpointIDPrefix, chi.URLParam(r, "id"))
	var req completeWaitpointRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outputType := req.OutputType
	if outputType == "" && len(req.Output) > 0 {
		outputType = "application/json"
	}
	already, err := s.engine.CompleteWaitpoint(r.Context(), id, req.Output, outputType, req.IsError)
	if err != nil {
		s.writeEngineError(w, "complete waitpoint", err)
		return
	}
	s.writeJSON(w, http.StatusOK, completeWaitpointResponse{AlreadyCompleted: already})
}

// createBatchRequest is the JSON body for POST /v1/batches.
type createBatchRequest struct {
	EnvironmentID string `json:"environment_id"`
	RunCount      int    `json:"run_count"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}
	if req.RunCount <= 0 {
		s.writeError(w, http.StatusBadRequest, "run_count must be positive")
		return
	}

	b, err := s.engine.CreateBatch(r.Context(), req.EnvironmentID, req.RunCount)
	if err != nil {
		s.writeEngineError(w, "create batch", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

// batchResponse adds live progress to the batch row.
type batchResponse struct {
	*model.Batch
	TotalRuns    int    `json:"total_runs"`
	FinishedRuns int    `json:"finished_runs"`
	Result       string `json:"result"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := model.InternalID(model.BatchIDPrefix, chi.URLParam(r, "id"))

	b, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get batch", err)
		return
	}
	total, finished, err := s.store.BatchProgress(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "batch progress", err)
		return
	}

	// Piggyback a completion check so polling GET settles the batch once
	// its members finish.
	result, err := s.engine.ResumeBatch(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "resume batch", err)
		return
	}
	if result != engine.BatchPending {
		if b, err = s.store.GetBatch(r.Context(), id); err != nil {
			s.writeEngineError(w, "get batch", err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, batchResponse{
		Batch:        b,
		TotalRuns:    total,
		FinishedRuns: finished,
		Result:       string(result),
	})
}

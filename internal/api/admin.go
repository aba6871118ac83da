package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pacerhq/pacer/internal/model"
	"github.com/pacerhq/pacer/internal/queue"
)

// queueAdminRequest is the JSON body shared by the queue admin endpoints.
type queueAdminRequest struct {
	EnvironmentID string `json:"environment_id"`
}

func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)
	var req queueAdminRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}

	if err := s.engine.PauseQueue(r.Context(), req.EnvironmentID, name); err != nil {
		s.writeEngineError(w, "pause queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)
	var req queueAdminRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}

	if err := s.engine.ResumeQueue(r.Context(), req.EnvironmentID, name); err != nil {
		s.writeEngineError(w, "resume queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// concurrencyRequest is the JSON body for POST /v1/admin/queues/{name}/concurrency.
// Action "set" applies the limit; "reset" restores the base limit.
type concurrencyRequest struct {
	EnvironmentID string `json:"environment_id"`
	Action        string `json:"action"`
	Limit         int    `json:"limit"`
	By            string `json:"by"`
}

type concurrencyResponse struct {
	Limit int `json:"limit"`
}

func (s *Server) handleQueueConcurrency(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)
	var req concurrencyRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}

	switch strings.ToLower(req.Action) {
	case "set":
		if err := s.engine.SetQueueConcurrency(r.Context(), req.EnvironmentID, name, req.Limit, req.By); err != nil {
			s.writeEngineError(w, "set concurrency", err)
			return
		}
		s.writeJSON(w, http.StatusOK, concurrencyResponse{Limit: req.Limit})
	case "reset":
		restored, err := s.engine.ResetQueueConcurrency(r.Context(), req.EnvironmentID, name)
		if err != nil {
			s.writeEngineError(w, "reset concurrency", err)
			return
		}
		s.writeJSON(w, http.StatusOK, concurrencyResponse{Limit: restored})
	default:
		s.writeError(w, http.StatusBadRequest, `action must be "set" or "reset"`)
	}
}

// heartbeatIntervalRequest is the JSON body for POST /v1/admin/heartbeat-interval.
type heartbeatIntervalRequest struct {
	IntervalMS int64 `json:"interval_ms"`
}

func (s *Server) handleHeartbeatInterval(w http.ResponseWriter, r *http.Request) {
	var req heartbeatIntervalRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}

	if err := s.engine.SetHeartbeatInterval(time.Duration(req.IntervalMS) * time.Millisecond); err != nil {
		s.writeEngineError(w, "set heartbeat interval", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"interval_ms": req.IntervalMS})
}

// repairQueueRequest is the JSON body for POST /v1/admin/repair/queue.
// DryRun defaults to true: a repair mutates only when explicitly asked to.
type repairQueueRequest struct {
	EnvironmentID string `json:"environment_id"`
	Queue         string `json:"queue"`
	DryRun        *bool  `json:"dry_run"`
}

func (s *Server) handleRepairQueue(w http.ResponseWriter, r *http.Request) {
	var req repairQueueRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" || req.Queue == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id and queue are required")
		return
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	res, err := s.engine.RepairQueue(r.Context(), req.EnvironmentID, req.Queue, dryRun)
	if err != nil {
		s.writeEngineError(w, "repair queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// repairEnvironmentRequest is the JSON body for POST /v1/admin/repair/environment.
type repairEnvironmentRequest struct {
	EnvironmentID string `json:"environment_id"`
	DryRun        *bool  `json:"dry_run"`
}

type repairEnvironmentResponse struct {
	Results []*queue.RepairResult `json:"results"`
}

func (s *Server) handleRepairEnvironment(w http.ResponseWriter, r *http.Request) {
	var req repairEnvironmentRequest
	if !s.decodeAdmin(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" {
		s.writeError(w, http.StatusBadRequest, "environment_id is required")
		return
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	results, err := s.engine.RepairEnvironment(r.Context(), req.EnvironmentID, dryRun)
	if err != nil {
		s.writeEngineError(w, "repair environment", err)
		return
	}
	s.writeJSON(w, http.StatusOK, repairEnvironmentResponse{Results: results})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	envID := r.URL.Query().Get("env")
	if envID == "" {
		s.writeError(w, http.StatusBadRequest, "env query parameter is required")
		return
	}
	var names []string
	if q := r.URL.Query().Get("queues"); q != "" {
		names = strings.Split(q, ",")
	}
	verbose := r.URL.Query().Get("verbose") == "true"

	rep, err := s.engine.Report(r.Context(), envID, names, verbose)
	if err != nil {
		s.writeEngineError(w, "report", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// queueDetailsResponse merges the durable queue row with live counts.
type queueDetailsResponse struct {
	*model.Queue
	Counts *queue.Counts `json:"counts"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)
	envID := r.URL.Query().Get("env")
	if envID == "" {
		s.writeError(w, http.StatusBadRequest, "env query parameter is required")
		return
	}

	q, c, err := s.engine.QueueDetails(r.Context(), envID, name)
	if err != nil {
		s.writeEngineError(w, "get queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, queueDetailsResponse{Queue: q, Counts: c})
}

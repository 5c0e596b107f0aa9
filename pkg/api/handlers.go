package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/store"
	"github.com/curatorhq/curator/pkg/taskmaster"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

// submitRunRequest is the POST /runs body.
type submitRunRequest struct {
	Type    string               `json:"type"`
	Roots   []string             `json:"roots"`
	Filters *config.FilterConfig `json:"filters,omitempty"`
}

// handleSubmitRun queues a new run and returns its id.
func (s *server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Type == "" {
		req.Type = taskmaster.JobTypeIndex
	}

	runID, err := s.tm.SubmitRun(r.Context(), req.Type, taskmaster.Params{
		Roots:   req.Roots,
		Filters: req.Filters,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleListRuns returns runs ordered newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// taskResponse is a task with its metrics decoded.
type taskResponse struct {
	store.Task

	Metrics *store.TaskMetrics `json:"metrics,omitempty"`
}

// runResponse is a run with task metrics decoded.
type runResponse struct {
	store.Run

	Tasks []taskResponse `json:"tasks"`
}

func shapeRun(run *store.Run) runResponse {
	resp := runResponse{
		Run:   *run,
		Tasks: make([]taskResponse, 0, len(run.Tasks)),
	}
	resp.Run.Tasks = nil

	for i := range run.Tasks {
		tr := taskResponse{Task: run.Tasks[i]}

		if tr.MetricsJSON != "" {
			var m store.TaskMetrics
			if err := json.Unmarshal([]byte(tr.MetricsJSON), &m); err == nil {
				tr.Metrics = &m
			}
		}

		resp.Tasks = append(resp.Tasks, tr)
	}

	return resp
}

// handleGetRun returns one run with its tasks.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading run"})

		return
	}

	writeJSON(w, http.StatusOK, shapeRun(run))
}

// handleListEvents returns the event feed of a run, oldest first.
func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := store.EventFilter{
		Level:  r.URL.Query().Get("level"),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	if after, ok := queryTime(r, "after"); ok {
		filter.After = &after
	}

	if before, ok := queryTime(r, "before"); ok {
		filter.Before = &before
	}

	events, total, err := s.store.ListEvents(
		r.Context(), chi.URLParam(r, "id"), filter,
	)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing events"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"total":    total,
		"has_more": int64(filter.Offset+len(events)) < total,
	})
}

// handleCancelRun requests cooperative cancellation of a run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.tm.CancelRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted,
		map[string]string{"status": "cancellation requested"})
}

// handleRetryTask re-queues a failed task within its retry budget.
func (s *server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseUint(chi.URLParam(r, "taskID"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid task id"})

		return
	}

	err = s.tm.RetryTask(r.Context(), chi.URLParam(r, "id"), uint(taskID))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}

		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted,
		map[string]string{"status": "retry queued"})
}

// --- Schedules ---

// handleListSchedules returns all known schedules.
func (s *server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing schedules"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// upsertScheduleRequest is the PUT /schedules/{name} body.
type upsertScheduleRequest struct {
	Cron    string              `json:"cron"`
	Root    string              `json:"root"`
	Filters config.FilterConfig `json:"filters,omitempty"`
}

// handleUpsertSchedule creates or replaces a named schedule.
func (s *server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var req upsertScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	err := s.tm.UpsertSchedule(r.Context(), config.ScheduleConfig{
		Name:    chi.URLParam(r, "name"),
		Cron:    req.Cron,
		Root:    req.Root,
		Filters: req.Filters,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunDueSchedules triggers one sweep of due schedules.
func (s *server) handleRunDueSchedules(w http.ResponseWriter, r *http.Request) {
	triggered, err := s.tm.RunDueSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"triggered": triggered})
}

// --- Files ---

// handleGetFile looks up an indexed file by path, with its extracted
// metadata and duplicate links.
func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"path query parameter is required"})

		return
	}

	record, err := s.store.GetFileByPath(r.Context(), path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"file not found"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading file"})

		return
	}

	resp := map[string]any{"file": record}

	if record.MetadataJSON != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(record.MetadataJSON), &metadata); err == nil {
			resp["metadata"] = metadata
		}
	}

	if duplicates, err := s.store.ListDuplicatesOf(
		r.Context(), record.ID,
	); err == nil && len(duplicates) > 0 {
		resp["duplicates"] = duplicates
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListDuplicates returns every duplicate relationship.
func (s *server) handleListDuplicates(w http.ResponseWriter, r *http.Request) {
	relations, err := s.store.ListDuplicateRelationships(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing duplicates"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"duplicates": relations})
}

// --- Query helpers ---

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false
	}

	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}

	return ts, true
}

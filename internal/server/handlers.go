package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/touchfish/dailytask/internal/database"
	"github.com/touchfish/dailytask/internal/scheduler"
)

const datetimeLayout = "2006-01-02 15:04:05"

// apiResult is the uniform response envelope.
type apiResult struct {
	Code    string `json:"code"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respondOK(w http.ResponseWriter, data any) {
	respond(w, http.StatusOK, apiResult{
		Code:    fmt.Sprintf("%d", http.StatusOK),
		Success: true,
		Message: "OK",
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, apiResult{
		Code:    fmt.Sprintf("%d", status),
		Success: false,
		Message: message,
	})
}

func respond(w http.ResponseWriter, status int, result apiResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// cronTaskDTO mirrors the wire shape of a recurring task.
type cronTaskDTO struct {
	ID          string  `json:"id"`
	Cron        string  `json:"cron"`
	NextRunTime string  `json:"next_run_time"`
	LastRunTime *string `json:"last_run_time"`
	Running     bool    `json:"running"`
	TaskType    string  `json:"task_type"`
}

// dateTaskDTO mirrors the wire shape of a one-off task.
type dateTaskDTO struct {
	ID       string `json:"id"`
	RunTime  string `json:"run_time"`
	TaskType string `json:"task_type"`
}

// taskRunDTO mirrors the wire shape of a run history entry.
type taskRunDTO struct {
	ID         int64   `json:"id"`
	TaskID     string  `json:"task_id"`
	TaskType   string  `json:"task_type"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
}

// newTaskRequest is the body of POST /api/task. RunTime is optional; when
// omitted the task runs immediately.
type newTaskRequest struct {
	TaskType string  `json:"task_type"`
	RunTime  *string `json:"run_time"`
}

type handler struct {
	sched  *scheduler.Scheduler
	store  database.Store
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondOK(w, nil)
}

func (h *handler) listCronTasks(w http.ResponseWriter, r *http.Request) {
	infos := h.sched.ListCron()
	data := make([]cronTaskDTO, 0, len(infos))
	for _, info := range infos {
		dto := cronTaskDTO{
			ID:       info.ID.String(),
			Cron:     info.Cron,
			Running:  !info.Paused,
			TaskType: info.Type,
		}
		if !info.NextRun.IsZero() {
			dto.NextRunTime = info.NextRun.Format(datetimeLayout)
		}
		if !info.LastRun.IsZero() {
			formatted := info.LastRun.Format(datetimeLayout)
			dto.LastRunTime = &formatted
		}
		data = append(data, dto)
	}
	respondOK(w, data)
}

func (h *handler) pauseCronTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if err := h.sched.Pause(r.Context(), id); err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondOK(w, nil)
}

func (h *handler) resumeCronTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if err := h.sched.Resume(r.Context(), id); err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondOK(w, nil)
}

func (h *handler) listDateTasks(w http.ResponseWriter, r *http.Request) {
	infos := h.sched.ListDate()
	data := make([]dateTaskDTO, 0, len(infos))
	for _, info := range infos {
		dto := dateTaskDTO{
			ID:       info.ID.String(),
			TaskType: info.Type,
		}
		if !info.RunAt.IsZero() {
			dto.RunTime = info.RunAt.Format(datetimeLayout)
		}
		data = append(data, dto)
	}
	respondOK(w, data)
}

func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req newTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("incorrect request parameter: %v", err))
		return
	}

	var runAt time.Time
	if req.RunTime != nil && *req.RunTime != "" {
		parsed, err := parseRunTime(*req.RunTime)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("incorrect request parameter: %v", err))
			return
		}
		runAt = parsed
	}

	info, err := h.sched.AddDateTask(r.Context(), req.TaskType, runAt)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownTaskType) {
			respondError(w, http.StatusBadRequest, "Unsupported task type")
			return
		}
		h.logger.Error("failed to create task", "task_type", req.TaskType, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	data := map[string]any{
		"id":        info.ID.String(),
		"task_type": info.Type,
	}
	if !info.RunAt.IsZero() {
		data["run_time"] = info.RunAt.Format(datetimeLayout)
	}
	respondOK(w, data)
}

func (h *handler) deleteDateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if err := h.sched.RemoveDate(r.Context(), id); err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondOK(w, nil)
}

func (h *handler) deleteAllDateTasks(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.RemoveAllDate(r.Context()); err != nil {
		h.logger.Error("failed to remove date tasks", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to remove tasks")
		return
	}
	respondOK(w, nil)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRecentRuns(r.Context(), 50)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	data := make([]taskRunDTO, 0, len(runs))
	for _, run := range runs {
		dto := taskRunDTO{
			ID:        run.ID,
			TaskID:    run.TaskID,
			TaskType:  run.TaskType,
			StartedAt: run.StartedAt.Format(datetimeLayout),
			Status:    run.Status,
			Error:     run.Error,
		}
		if run.FinishedAt.Valid {
			formatted := run.FinishedAt.Time.Format(datetimeLayout)
			dto.FinishedAt = &formatted
		}
		data = append(data, dto)
	}
	respondOK(w, data)
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func parseRunTime(value string) (time.Time, error) {
	if t, err := time.ParseInLocation(datetimeLayout, value, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run_time %q", value)
	}
	return t, nil
}

func respondSchedulerError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondError(w, http.StatusInternalServerError, "internal server error")
}

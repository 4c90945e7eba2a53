package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// Store defines the interface for task registry operations.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// SaveTask inserts a new task record.
	SaveTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by id. Returns ErrTaskNotFound when missing.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks retrieves all tasks with the given trigger kind.
	ListTasks(ctx context.Context, trigger Trigger) ([]Task, error)

	// DeleteTask removes a task by id.
	DeleteTask(ctx context.Context, id string) error

	// DeleteTasksByTrigger removes every task with the given trigger kind.
	DeleteTasksByTrigger(ctx context.Context, trigger Trigger) error

	// SetTaskPaused toggles a task's paused flag.
	SetTaskPaused(ctx context.Context, id string, paused bool) error

	// StartRun records the beginning of a task execution and returns the run id.
	StartRun(ctx context.Context, taskID, taskType string) (int64, error)

	// FinishRun records the outcome of a task execution.
	FinishRun(ctx context.Context, runID int64, runErr error) error

	// ListRecentRuns retrieves the most recent 'limit' task runs.
	ListRecentRuns(ctx context.Context, limit int) ([]TaskRun, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("cannot save nil task")
	}
	if task.ID == "" {
		return fmt.Errorf("task must have an id")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO tasks (id, task_type, trigger_kind, cron_expr, run_at, paused, created_at)
	          VALUES (:id, :task_type, :trigger_kind, :cron_expr, :run_at, :paused, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	s.logger.Debug("task saved", "task_id", task.ID, "task_type", task.TaskType, "trigger", task.Trigger)
	return nil
}

func (s *sqlxStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *sqlxStore) ListTasks(ctx context.Context, trigger Trigger) ([]Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE trigger_kind = ? ORDER BY created_at`, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (s *sqlxStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *sqlxStore) DeleteTasksByTrigger(ctx context.Context, trigger Trigger) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE trigger_kind = ?`, trigger); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

func (s *sqlxStore) SetTaskPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET paused = ? WHERE id = ?`, paused, id)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *sqlxStore) StartRun(ctx context.Context, taskID, taskType string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (task_id, task_type, started_at, status) VALUES (?, ?, ?, ?)`,
		taskID, taskType, time.Now().UTC(), RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

func (s *sqlxStore) FinishRun(ctx context.Context, runID int64, runErr error) error {
	status := RunStatusOK
	errText := ""
	if runErr != nil {
		status = RunStatusError
		errText = runErr.Error()
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, errText, runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

func (s *sqlxStore) ListRecentRuns(ctx context.Context, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []TaskRun
	err := s.db.SelectContext(ctx, &runs,
		`SELECT * FROM task_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

package database

import (
	"database/sql"
	"time"
)

// Trigger classifies how a task fires.
type Trigger string

const (
	TriggerCron Trigger = "cron" // recurring, driven by a cron expression
	TriggerDate Trigger = "date" // one-off, at a point in time
)

// Task represents a registered scheduled task. Cron tasks are owned by the
// configuration and resynced at startup; date tasks are created through the
// HTTP API and pruned after they fire.
type Task struct {
	ID        string       `db:"id"`
	TaskType  string       `db:"task_type"`
	Trigger   Trigger      `db:"trigger_kind"`
	CronExpr  string       `db:"cron_expr"`
	RunAt     sql.NullTime `db:"run_at"`
	Paused    bool         `db:"paused"`
	CreatedAt time.Time    `db:"created_at"`
}

// TaskRun records a single execution of a task.
type TaskRun struct {
	ID         int64        `db:"id"`
	TaskID     string       `db:"task_id"`
	TaskType   string       `db:"task_type"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Status     string       `db:"status"`
	Error      string       `db:"error"`
}

// Task run statuses.
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusError   = "error"
)

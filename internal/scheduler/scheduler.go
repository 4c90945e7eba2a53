// Package scheduler manages the cron and one-off task schedules using the
// gocron library, keeping the persistent task registry in sync.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/touchfish/dailytask/internal/database"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("scheduled task not found")
	// ErrUnknownTaskType is returned when no task function is registered
	// for the requested type.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// runTimeout bounds a single task execution.
const runTimeout = 15 * time.Minute

// TaskFunc is the signature of a runnable task.
type TaskFunc func(ctx context.Context) error

// taskFuncs holds the per-trigger implementations of a task type. Cron
// firings may behave differently from one-off runs (the check-in task is
// workday-gated and jittered only on its cron schedule).
type taskFuncs struct {
	cron TaskFunc
	date TaskFunc
}

// CronTaskInfo describes a registered recurring task.
type CronTaskInfo struct {
	ID      uuid.UUID
	Type    string
	Cron    string
	NextRun time.Time
	LastRun time.Time
	Paused  bool
}

// DateTaskInfo describes a pending one-off task.
type DateTaskInfo struct {
	ID    uuid.UUID
	Type  string
	RunAt time.Time
}

type entry struct {
	id      uuid.UUID
	typ     string
	trigger database.Trigger
	cron    string
	runAt   time.Time
	paused  bool
	job     gocron.Job
}

// Scheduler wraps gocron with a typed task registry. Safe for concurrent
// use; the HTTP API mutates it while jobs run.
type Scheduler struct {
	sched  gocron.Scheduler
	store  database.Store
	logger *slog.Logger

	// ctx is the parent of every job run; Shutdown cancels it so jobs
	// sleeping on their context stop promptly.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	funcs   map[string]taskFuncs
}

// New creates and configures a scheduler instance using UTC and structured
// logging. The scheduler does not tick until Start is called.
func New(store database.Store, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(&gocronLogAdapter{logger: log}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		sched:   s,
		store:   store,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uuid.UUID]*entry),
		funcs:   make(map[string]taskFuncs),
	}, nil
}

// RegisterTask binds a task type name to its cron and one-off
// implementations. Must be called before tasks of that type are scheduled.
func (s *Scheduler) RegisterTask(taskType string, cronFn, dateFn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[taskType] = taskFuncs{cron: cronFn, date: dateFn}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Debug("scheduler started")
}

// Shutdown cancels running jobs and stops the scheduler, waiting for them
// to finish.
func (s *Scheduler) Shutdown() error {
	s.logger.Debug("stopping scheduler", "active_jobs", len(s.sched.Jobs()))
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// AddCronTask schedules a recurring task and records it in the registry.
func (s *Scheduler) AddCronTask(ctx context.Context, taskType, cronExpr string) (*CronTaskInfo, error) {
	if cronExpr == "" {
		return nil, errors.New("empty cron expression")
	}
	if !s.hasTaskType(taskType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	id := uuid.New()
	job, err := s.sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.execute, id),
		gocron.WithName(taskType),
		gocron.WithIdentifier(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule cron task %s: %w", taskType, err)
	}

	e := &entry{id: id, typ: taskType, trigger: database.TriggerCron, cron: cronExpr, job: job}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	if err := s.store.SaveTask(ctx, &database.Task{
		ID:       id.String(),
		TaskType: taskType,
		Trigger:  database.TriggerCron,
		CronExpr: cronExpr,
	}); err != nil {
		s.logger.Error("failed to persist cron task", "task_id", id, "error", err)
	}

	info := s.cronInfo(e)
	s.logger.Info("cron task scheduled",
		"task_id", id, "task_type", taskType, "cron", cronExpr,
		"next_run", info.NextRun.Format(time.RFC3339))
	return &info, nil
}

// AddDateTask schedules a one-off task. A zero runAt runs the task
// immediately; a runAt in the past also fires right away.
func (s *Scheduler) AddDateTask(ctx context.Context, taskType string, runAt time.Time) (*DateTaskInfo, error) {
	if !s.hasTaskType(taskType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	info, err := s.scheduleDate(taskType, runAt)
	if err != nil {
		return nil, err
	}

	task := &database.Task{
		ID:       info.ID.String(),
		TaskType: taskType,
		Trigger:  database.TriggerDate,
	}
	if !runAt.IsZero() {
		task.RunAt.Time = runAt
		task.RunAt.Valid = true
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		s.logger.Error("failed to persist date task", "task_id", info.ID, "error", err)
	}

	return info, nil
}

// RestoreDateTask reschedules a persisted one-off task at startup without
// re-saving it.
func (s *Scheduler) RestoreDateTask(task database.Task) error {
	id, err := uuid.Parse(task.ID)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", task.ID, err)
	}
	if !s.hasTaskType(task.TaskType) {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, task.TaskType)
	}

	var runAt time.Time
	if task.RunAt.Valid {
		runAt = task.RunAt.Time
	}
	_, err = s.scheduleDateWithID(id, task.TaskType, runAt)
	return err
}

func (s *Scheduler) scheduleDate(taskType string, runAt time.Time) (*DateTaskInfo, error) {
	return s.scheduleDateWithID(uuid.New(), taskType, runAt)
}

func (s *Scheduler) scheduleDateWithID(id uuid.UUID, taskType string, runAt time.Time) (*DateTaskInfo, error) {
	// gocron rejects start times in the past; a zero or past runAt fires
	// right away instead.
	var definition gocron.JobDefinition
	if runAt.IsZero() || !runAt.After(time.Now()) {
		definition = gocron.OneTimeJob(gocron.OneTimeJobStartImmediately())
	} else {
		definition = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(runAt))
	}

	// An immediate job can fire inside NewJob, so the entry must be
	// registered first.
	e := &entry{id: id, typ: taskType, trigger: database.TriggerDate, runAt: runAt}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	job, err := s.sched.NewJob(
		definition,
		gocron.NewTask(s.execute, id),
		gocron.WithName(taskType),
		gocron.WithIdentifier(id),
	)
	if err != nil {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to schedule date task %s: %w", taskType, err)
	}

	s.mu.Lock()
	e.job = job
	s.mu.Unlock()

	s.logger.Info("date task scheduled", "task_id", id, "task_type", taskType, "run_at", runAt)
	return &DateTaskInfo{ID: id, Type: taskType, RunAt: runAt}, nil
}

// execute runs a scheduled task, honoring the paused flag and recording the
// run. One-off tasks are pruned after they fire.
func (s *Scheduler) execute(id uuid.UUID) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("job fired for unknown task", "task_id", id)
		return
	}

	if e.trigger == database.TriggerCron && s.isPaused(id) {
		s.logger.Info("task paused, skipping run", "task_id", id, "task_type", e.typ)
		return
	}

	s.mu.RLock()
	fns := s.funcs[e.typ]
	s.mu.RUnlock()

	fn := fns.cron
	if e.trigger == database.TriggerDate {
		fn = fns.date
	}
	if fn == nil {
		s.logger.Error("no function registered for task", "task_id", id, "task_type", e.typ)
		return
	}

	runCtx, cancel := context.WithTimeout(s.ctx, runTimeout)
	defer cancel()

	runID, err := s.store.StartRun(runCtx, id.String(), e.typ)
	if err != nil {
		s.logger.Error("failed to record run start", "task_id", id, "error", err)
	}

	s.logger.Info("running task", "task_id", id, "task_type", e.typ)
	startTime := time.Now()
	taskErr := fn(runCtx)
	duration := time.Since(startTime)

	// Bookkeeping survives shutdown cancellation so the final run state
	// still lands in the store.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()

	if runID != 0 {
		if err := s.store.FinishRun(recordCtx, runID, taskErr); err != nil {
			s.logger.Error("failed to record run finish", "task_id", id, "error", err)
		}
	}

	if taskErr != nil {
		s.logger.Error("task failed", "task_id", id, "task_type", e.typ, "duration", duration, "error", taskErr)
	} else {
		s.logger.Info("task finished", "task_id", id, "task_type", e.typ, "duration", duration)
	}

	if e.trigger == database.TriggerDate {
		s.pruneDateTask(recordCtx, id)
	}
}

// pruneDateTask drops a fired one-off task from the scheduler and registry.
func (s *Scheduler) pruneDateTask(ctx context.Context, id uuid.UUID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	if err := s.sched.RemoveJob(id); err != nil {
		s.logger.Debug("failed to remove fired job", "task_id", id, "error", err)
	}
	if err := s.store.DeleteTask(ctx, id.String()); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
		s.logger.Error("failed to delete fired task", "task_id", id, "error", err)
	}
}

// Pause marks a cron task so its next firings are skipped. gocron has no
// native pause; the flag is checked at execution time.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) error {
	return s.setPaused(ctx, id, true)
}

// Resume clears a cron task's paused flag.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) error {
	return s.setPaused(ctx, id, false)
}

func (s *Scheduler) setPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.trigger != database.TriggerCron {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	e.paused = paused
	s.mu.Unlock()

	if err := s.store.SetTaskPaused(ctx, id.String(), paused); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
		s.logger.Error("failed to persist paused flag", "task_id", id, "error", err)
	}

	s.logger.Info("task pause state changed", "task_id", id, "paused", paused)
	return nil
}

func (s *Scheduler) isPaused(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.paused
}

// ListCron returns all registered recurring tasks.
func (s *Scheduler) ListCron() []CronTaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]CronTaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		if e.trigger != database.TriggerCron {
			continue
		}
		infos = append(infos, s.cronInfo(e))
	}
	return infos
}

// ListDate returns all pending one-off tasks.
func (s *Scheduler) ListDate() []DateTaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]DateTaskInfo, 0)
	for _, e := range s.entries {
		if e.trigger != database.TriggerDate {
			continue
		}
		infos = append(infos, DateTaskInfo{ID: e.id, Type: e.typ, RunAt: e.runAt})
	}
	return infos
}

// RemoveDate cancels a pending one-off task.
func (s *Scheduler) RemoveDate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.trigger != database.TriggerDate {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if err := s.sched.RemoveJob(id); err != nil {
		s.logger.Debug("failed to remove job", "task_id", id, "error", err)
	}
	if err := s.store.DeleteTask(ctx, id.String()); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
		s.logger.Error("failed to delete task", "task_id", id, "error", err)
	}

	s.logger.Info("date task removed", "task_id", id)
	return nil
}

// RemoveAllDate cancels every pending one-off task.
func (s *Scheduler) RemoveAllDate(ctx context.Context) error {
	for _, info := range s.ListDate() {
		if err := s.RemoveDate(ctx, info.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			return err
		}
	}
	return nil
}

func (s *Scheduler) cronInfo(e *entry) CronTaskInfo {
	info := CronTaskInfo{
		ID:     e.id,
		Type:   e.typ,
		Cron:   e.cron,
		Paused: e.paused,
	}
	if nextRun, err := e.job.NextRun(); err == nil {
		info.NextRun = nextRun
	}
	if lastRun, err := e.job.LastRun(); err == nil {
		info.LastRun = lastRun
	}
	return info
}

func (s *Scheduler) hasTaskType(taskType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.funcs[taskType]
	return ok
}

// gocronLogAdapter bridges gocron's logger to slog.
type gocronLogAdapter struct {
	logger *slog.Logger
}

func (l *gocronLogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *gocronLogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *gocronLogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *gocronLogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchfish/dailytask/internal/database"
	"github.com/touchfish/dailytask/internal/scheduler"
)

// memStore is an in-memory Store for scheduler tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]database.Task
	runs  []database.TaskRun
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]database.Task)}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) SaveTask(ctx context.Context, task *database.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*database.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, database.ErrTaskNotFound
	}
	return &task, nil
}

func (m *memStore) ListTasks(ctx context.Context, trigger database.Trigger) ([]database.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Task
	for _, task := range m.tasks {
		if task.Trigger == trigger {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return database.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) DeleteTasksByTrigger(ctx context.Context, trigger database.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.tasks {
		if task.Trigger == trigger {
			delete(m.tasks, id)
		}
	}
	return nil
}

func (m *memStore) SetTaskPaused(ctx context.Context, id string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return database.ErrTaskNotFound
	}
	task.Paused = paused
	m.tasks[id] = task
	return nil
}

func (m *memStore) StartRun(ctx context.Context, taskID, taskType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := database.TaskRun{
		ID:        int64(len(m.runs) + 1),
		TaskID:    taskID,
		TaskType:  taskType,
		StartedAt: time.Now().UTC(),
		Status:    database.RunStatusRunning,
	}
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *memStore) FinishRun(ctx context.Context, runID int64, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			m.runs[i].Status = database.RunStatusOK
			if runErr != nil {
				m.runs[i].Status = database.RunStatusError
				m.runs[i].Error = runErr.Error()
			}
			m.runs[i].FinishedAt.Time = time.Now().UTC()
			m.runs[i].FinishedAt.Valid = true
		}
	}
	return nil
}

func (m *memStore) ListRecentRuns(ctx context.Context, limit int) ([]database.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.TaskRun, len(m.runs))
	copy(out, m.runs)
	return out, nil
}

func (m *memStore) taskCount(trigger database.Trigger) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, task := range m.tasks {
		if task.Trigger == trigger {
			n++
		}
	}
	return n
}

func (m *memStore) runStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.Status)
	}
	return out
}

func newTestScheduler(t *testing.T, store database.Store) *scheduler.Scheduler {
	t.Helper()
	sched, err := scheduler.New(store, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sched.Shutdown())
	})
	return sched
}

func noop(ctx context.Context) error { return nil }

func TestAddCronTaskUnknownType(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	_, err := sched.AddCronTask(context.Background(), "nope", "* * * * *")
	assert.ErrorIs(t, err, scheduler.ErrUnknownTaskType)
}

func TestAddCronTaskRegistersAndPersists(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)
	sched.RegisterTask("demo", noop, noop)

	info, err := sched.AddCronTask(context.Background(), "demo", "0 9 * * *")
	require.NoError(t, err)
	assert.Equal(t, "demo", info.Type)
	assert.Equal(t, "0 9 * * *", info.Cron)
	assert.False(t, info.Paused)

	listed := sched.ListCron()
	require.Len(t, listed, 1)
	assert.Equal(t, info.ID, listed[0].ID)

	saved, err := store.GetTask(context.Background(), info.ID.String())
	require.NoError(t, err)
	assert.Equal(t, database.TriggerCron, saved.Trigger)
	assert.Equal(t, "0 9 * * *", saved.CronExpr)
}

func TestAddCronTaskInvalidExpression(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	sched.RegisterTask("demo", noop, noop)

	_, err := sched.AddCronTask(context.Background(), "demo", "not a cron")
	assert.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)
	sched.RegisterTask("demo", noop, noop)

	info, err := sched.AddCronTask(context.Background(), "demo", "0 9 * * *")
	require.NoError(t, err)

	require.NoError(t, sched.Pause(context.Background(), info.ID))
	listed := sched.ListCron()
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Paused)

	saved, err := store.GetTask(context.Background(), info.ID.String())
	require.NoError(t, err)
	assert.True(t, saved.Paused)

	require.NoError(t, sched.Resume(context.Background(), info.ID))
	assert.False(t, sched.ListCron()[0].Paused)
}

func TestPauseUnknownTask(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	err := sched.Pause(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestDateTaskRunsAndPrunes(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)

	done := make(chan struct{})
	var once sync.Once
	sched.RegisterTask("demo", noop, func(ctx context.Context) error {
		once.Do(func() { close(done) })
		return nil
	})

	_, err := sched.AddDateTask(context.Background(), "demo", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, store.taskCount(database.TriggerDate))

	sched.Start()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("date task did not fire")
	}

	// The fired task is pruned from the registry and the store.
	require.Eventually(t, func() bool {
		return len(sched.ListDate()) == 0 && store.taskCount(database.TriggerDate) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, store.runStatuses(), database.RunStatusOK)
}

func TestImmediateDateTaskRunsOnStartedScheduler(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)

	done := make(chan struct{})
	var once sync.Once
	sched.RegisterTask("demo", noop, func(ctx context.Context) error {
		once.Do(func() { close(done) })
		return nil
	})

	// The scheduler is already running when the task is added, so the job
	// fires as soon as it is registered.
	sched.Start()

	_, err := sched.AddDateTask(context.Background(), "demo", time.Time{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("immediate date task did not run")
	}

	require.Eventually(t, func() bool {
		return len(sched.ListDate()) == 0 && store.taskCount(database.TriggerDate) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, store.runStatuses(), database.RunStatusOK)
}

func TestPastRunTimeRunsImmediately(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)

	done := make(chan struct{})
	var once sync.Once
	sched.RegisterTask("demo", noop, func(ctx context.Context) error {
		once.Do(func() { close(done) })
		return nil
	})
	sched.Start()

	_, err := sched.AddDateTask(context.Background(), "demo", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("past-dated task did not run")
	}
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched, err := scheduler.New(store, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	sched.RegisterTask("demo", noop, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	sched.Start()

	_, err = sched.AddDateTask(context.Background(), "demo", time.Time{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}

	begin := time.Now()
	require.NoError(t, sched.Shutdown())
	assert.Less(t, time.Since(begin), 5*time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled on shutdown")
	}
}

func TestRemoveDateTask(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	sched := newTestScheduler(t, store)
	sched.RegisterTask("demo", noop, noop)

	info, err := sched.AddDateTask(context.Background(), "demo", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, sched.RemoveDate(context.Background(), info.ID))
	assert.Empty(t, sched.ListDate())
	assert.Equal(t, 0, store.taskCount(database.TriggerDate))

	err = sched.RemoveDate(context.Background(), info.ID)
	assert.ErrorIs(t, err, scheduler.ErrTaskNotFound)
}

func TestRemoveAllDateTasks(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	sched.RegisterTask("demo", noop, noop)

	for i := 0; i < 3; i++ {
		_, err := sched.AddDateTask(context.Background(), "demo", time.Now().Add(time.Hour))
		require.NoError(t, err)
	}
	require.Len(t, sched.ListDate(), 3)

	require.NoError(t, sched.RemoveAllDate(context.Background()))
	assert.Empty(t, sched.ListDate())
}

func TestRestoreDateTask(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	sched.RegisterTask("demo", noop, noop)

	id := uuid.New()
	task := database.Task{
		ID:       id.String(),
		TaskType: "demo",
		Trigger:  database.TriggerDate,
	}
	task.RunAt.Time = time.Now().Add(time.Hour)
	task.RunAt.Valid = true

	require.NoError(t, sched.RestoreDateTask(task))

	listed := sched.ListDate()
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
}

func TestRestoreDateTaskInvalidID(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t, newMemStore())
	sched.RegisterTask("demo", noop, noop)

	err := sched.RestoreDateTask(database.Task{ID: "not-a-uuid", TaskType: "demo"})
	assert.Error(t, err)
}

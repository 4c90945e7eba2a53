// Package app provides application orchestration and component lifecycle
// management for dailytask.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/touchfish/dailytask/internal/config"
	"github.com/touchfish/dailytask/internal/database"
	"github.com/touchfish/dailytask/internal/notify"
	"github.com/touchfish/dailytask/internal/ntfy"
	"github.com/touchfish/dailytask/internal/redsea"
	"github.com/touchfish/dailytask/internal/resilience"
	"github.com/touchfish/dailytask/internal/scheduler"
	"github.com/touchfish/dailytask/internal/server"
	"github.com/touchfish/dailytask/internal/tasks"
	"github.com/touchfish/dailytask/internal/workday"
	"github.com/touchfish/dailytask/internal/yunyu"
)

// App wires together the application components.
type App struct {
	cfg       *config.Config
	db        *sqlx.DB
	store     database.Store
	scheduler *scheduler.Scheduler
	server    *server.Server

	bills   *tasks.BillsTask
	checkin *tasks.CheckinTask
}

// New creates a new application instance with configured components.
func New(cfg *config.Config) (*App, error) {
	slog.Info("initializing application")

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	store := database.NewStore(db, slog.Default())

	retry := resilience.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		RandomFactor:    0.1,
	}

	yunyuClient := yunyu.New(
		cfg.YunYu.BaseURL, cfg.YunYu.Account, cfg.YunYu.Password,
		cfg.CacheDir, retry, slog.Default())

	redseaClient, err := redsea.New(redsea.Options{
		BaseURL:   cfg.RedSea.BaseURL,
		UserAgent: cfg.RedSea.UserAgent,
		AppSecret: cfg.RedSea.AppSecret,
		LoginID:   cfg.RedSea.LoginID,
		AgentID:   cfg.RedSea.AgentID,
		Longitude: cfg.RedSea.Longitude,
		Latitude:  cfg.RedSea.Latitude,
		Address:   cfg.RedSea.Address,
	}, retry, slog.Default())
	if err != nil {
		database.CloseDB(db)
		return nil, fmt.Errorf("failed to initialize redsea client: %w", err)
	}

	sinks := []notify.Notifier{
		notify.NewNtfyNotifier(ntfy.New(cfg.Ntfy.BaseURL, cfg.Ntfy.Username, cfg.Ntfy.Password, retry)),
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			database.CloseDB(db)
			return nil, fmt.Errorf("failed to initialize telegram notifier: %w", err)
		}
		sinks = append(sinks, tg)
		slog.Info("telegram notifications enabled", "chat_id", cfg.Telegram.ChatID)
	}
	notifier := notify.NewMulti(slog.Default(), sinks...)

	bills := tasks.NewBillsTask(yunyuClient, notifier, slog.Default())
	checkin := tasks.NewCheckinTask(redseaClient, workday.New(cfg.Workday.BaseURL), notifier, slog.Default())

	sched, err := scheduler.New(store, slog.Default())
	if err != nil {
		database.CloseDB(db)
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	sched.RegisterTask(tasks.TypeYunYu, bills.Run, bills.Run)
	sched.RegisterTask(tasks.TypeRedSea, checkin.RunScheduled, checkin.Run)

	token := cfg.Server.Token
	if token == "" {
		token = config.GenerateToken(32)
		// The operator needs the generated token to reach the API.
		slog.Info("generated API token", "token", token)
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, token, sched, store, slog.Default())

	return &App{
		cfg:       cfg,
		db:        db,
		store:     store,
		scheduler: sched,
		server:    srv,
		bills:     bills,
		checkin:   checkin,
	}, nil
}

// RunBillsOnce executes the bill-fetch task a single time.
func (a *App) RunBillsOnce(ctx context.Context) error {
	return a.bills.Run(ctx)
}

// RunCheckinOnce executes the check-in task a single time. When immediate
// is false the workday gate and random delay apply, matching the scheduled
// behavior.
func (a *App) RunCheckinOnce(ctx context.Context, immediate bool) error {
	if immediate {
		return a.checkin.Run(ctx)
	}
	return a.checkin.RunScheduled(ctx)
}

// RunServer registers the configured schedules, restores persisted one-off
// tasks, and runs the scheduler plus the HTTP API until ctx is cancelled.
func (a *App) RunServer(ctx context.Context) error {
	if err := a.syncTasks(ctx); err != nil {
		return err
	}

	a.scheduler.Start()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gCtx.Done()
		return a.server.Shutdown(context.Background())
	})

	err := g.Wait()
	if shutdownErr := a.scheduler.Shutdown(); shutdownErr != nil {
		slog.Error("scheduler shutdown failed", "error", shutdownErr)
	}
	return err
}

// Close releases held resources.
func (a *App) Close() {
	database.CloseDB(a.db)
}

// syncTasks rebuilds the task registry at startup: cron tasks are owned by
// the configuration and recreated from scratch; persisted one-off tasks are
// restored, pruning those whose run time already passed.
func (a *App) syncTasks(ctx context.Context) error {
	if err := a.store.DeleteTasksByTrigger(ctx, database.TriggerCron); err != nil {
		return fmt.Errorf("failed to reset cron tasks: %w", err)
	}

	for _, expr := range a.cfg.YunYu.Cron {
		if _, err := a.scheduler.AddCronTask(ctx, tasks.TypeYunYu, expr); err != nil {
			return fmt.Errorf("failed to schedule yunyu cron %q: %w", expr, err)
		}
	}
	for _, expr := range a.cfg.RedSea.Cron {
		if _, err := a.scheduler.AddCronTask(ctx, tasks.TypeRedSea, expr); err != nil {
			return fmt.Errorf("failed to schedule redsea cron %q: %w", expr, err)
		}
	}
	if len(a.cfg.YunYu.Cron) == 0 && len(a.cfg.RedSea.Cron) == 0 {
		slog.Warn("no cron schedules configured")
	}

	persisted, err := a.store.ListTasks(ctx, database.TriggerDate)
	if err != nil {
		return fmt.Errorf("failed to list persisted tasks: %w", err)
	}
	now := time.Now()
	for _, task := range persisted {
		if task.RunAt.Valid && task.RunAt.Time.Before(now) {
			if err := a.store.DeleteTask(ctx, task.ID); err != nil && !errors.Is(err, database.ErrTaskNotFound) {
				slog.Error("failed to prune stale task", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := a.scheduler.RestoreDateTask(task); err != nil {
			slog.Error("failed to restore task", "task_id", task.ID, "error", err)
		}
	}

	return nil
}

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/touchfish/dailytask/internal/notify"
)

// Default jitter bounds for scheduled check-ins.
const (
	defaultMinDelay = 1 * time.Second
	defaultMaxDelay = 300 * time.Second
)

// CheckinTask performs an attendance punch, queries the day's punch state
// and pushes a summary. The scheduled variant is gated on the workday
// calendar and jittered so punches don't land at the exact same second
// every day.
type CheckinTask struct {
	attendance Attendance
	workday    WorkdayChecker
	notifier   notify.Notifier
	logger     *slog.Logger

	minDelay time.Duration
	maxDelay time.Duration
}

// NewCheckinTask builds the check-in task.
func NewCheckinTask(attendance Attendance, workday WorkdayChecker, notifier notify.Notifier, logger *slog.Logger) *CheckinTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckinTask{
		attendance: attendance,
		workday:    workday,
		notifier:   notifier,
		logger:     logger.With("task", TypeRedSea),
		minDelay:   defaultMinDelay,
		maxDelay:   defaultMaxDelay,
	}
}

// Run punches immediately, without the workday gate or jitter.
func (t *CheckinTask) Run(ctx context.Context) error {
	t.logger.Info("check-in start")

	if err := t.run(ctx); err != nil {
		t.logger.Error("check-in failed", "error", err)
		reportError(ctx, t.notifier, t.logger, fmt.Sprintf("打卡异常\n%v", err))
		return err
	}

	t.logger.Info("check-in done")
	return nil
}

// RunScheduled is the cron form: skipped on non-workdays and delayed by a
// random interval.
func (t *CheckinTask) RunScheduled(ctx context.Context) error {
	isWorkday, err := t.workday.IsWorkday(ctx)
	if err != nil {
		t.logger.Error("workday lookup failed", "error", err)
		reportError(ctx, t.notifier, t.logger, fmt.Sprintf("打卡异常\n%v", err))
		return fmt.Errorf("failed to check workday: %w", err)
	}
	if !isWorkday {
		t.logger.Info("not a workday, skipping check-in")
		return nil
	}

	// The global source is locked, so overlapping firings are safe.
	delay := t.minDelay + time.Duration(rand.Int63n(int64(t.maxDelay-t.minDelay)+1))
	t.logger.Info("check-in scheduled", "delay", delay)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	return t.Run(ctx)
}

func (t *CheckinTask) run(ctx context.Context) error {
	punch, err := t.attendance.PunchCard(ctx)
	if err != nil {
		return fmt.Errorf("failed to punch: %w", err)
	}

	day, err := t.attendance.DayState(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch day state: %w", err)
	}

	message := fmt.Sprintf("💤：%s %s %s", day.StartTime(), day.StartStatus(), statusEmoji(day.StartStatus()))
	if day.EndTime() != "" {
		message += fmt.Sprintf("\n🎉：%s %s %s", day.EndTime(), day.EndStatus(), statusEmoji(day.EndStatus()))
	}

	if err := t.notifier.Send(ctx, notify.Message{
		Topic: topicDaily,
		Title: "⏰" + punch.Msg,
		Body:  message,
	}); err != nil {
		return fmt.Errorf("failed to send check-in notification: %w", err)
	}
	return nil
}

// statusEmoji marks 正常 and 休息 as fine, anything else as a problem.
func statusEmoji(status string) string {
	if status == "正常" || status == "休息" {
		return "✅"
	}
	return "❌"
}

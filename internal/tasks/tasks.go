// Package tasks implements the scheduled daily tasks: fetching energy bills
// and performing attendance check-ins, each reporting through the
// notification sinks.
package tasks

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/touchfish/dailytask/internal/notify"
	"github.com/touchfish/dailytask/internal/ntfy"
	"github.com/touchfish/dailytask/internal/redsea"
	"github.com/touchfish/dailytask/internal/yunyu"
)

// Task type names, used by the scheduler registry and the HTTP API.
const (
	TypeYunYu  = "yunyu"
	TypeRedSea = "redsea"
)

// Notification topics.
const (
	topicDaily = "daily"
	topicError = "error"
)

// BillSource provides prepaid-energy bills and balance.
type BillSource interface {
	FetchEnergyBills(ctx context.Context, page int) (*yunyu.BillPage, error)
	FetchBalance(ctx context.Context) (json.Number, error)
}

// Attendance performs punches and reports the day's punch state.
type Attendance interface {
	PunchCard(ctx context.Context) (*redsea.PunchResult, error)
	DayState(ctx context.Context) (*redsea.DayCount, error)
}

// WorkdayChecker reports whether today is a workday.
type WorkdayChecker interface {
	IsWorkday(ctx context.Context) (bool, error)
}

// reportError pushes a max-priority error notification. Failures to notify
// are logged, never propagated: the task error itself matters more.
func reportError(ctx context.Context, notifier notify.Notifier, logger *slog.Logger, body string) {
	err := notifier.Send(ctx, notify.Message{
		Topic:    topicError,
		Body:     body,
		Priority: ntfy.PriorityMax,
	})
	if err != nil {
		logger.Error("failed to send error notification", "error", err)
	}
}

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/touchfish/dailytask/internal/notify"
)

const datetimeLayout = "2006-01-02 15:04:05"

// BillsTask fetches the latest prepaid-energy bill and balance and pushes a
// daily summary.
type BillsTask struct {
	source   BillSource
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewBillsTask builds the bill-fetch task.
func NewBillsTask(source BillSource, notifier notify.Notifier, logger *slog.Logger) *BillsTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillsTask{
		source:   source,
		notifier: notifier,
		logger:   logger.With("task", TypeYunYu),
	}
}

// Run fetches the newest bill entry plus the current balance and notifies.
func (t *BillsTask) Run(ctx context.Context) error {
	t.logger.Info("fetching daily bills")

	if err := t.run(ctx); err != nil {
		t.logger.Error("failed to fetch daily bills", "error", err)
		reportError(ctx, t.notifier, t.logger, fmt.Sprintf("获取电费账单异常\n%v", err))
		return err
	}

	t.logger.Info("daily bills sent")
	return nil
}

func (t *BillsTask) run(ctx context.Context) error {
	page, err := t.source.FetchEnergyBills(ctx, 1)
	if err != nil {
		return fmt.Errorf("failed to fetch energy bills: %w", err)
	}
	if len(page.Content) == 0 {
		return errors.New("no bill entries returned")
	}

	balance, err := t.source.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}

	bill := page.Content[0]
	settledAt := ""
	if millis, err := bill.ConsumeDate.Int64(); err == nil {
		settledAt = time.UnixMilli(millis).Format(datetimeLayout)
	} else {
		settledAt = bill.ConsumeDate.String()
	}

	message := fmt.Sprintf(
		"结算时间: %s\n用电量: %s度\n单价: %s × %s\n小计: %s\n余额: %s",
		settledAt, bill.AvgUsing, bill.UnitPrice, bill.Rate, bill.Fee, balance)

	if err := t.notifier.Send(ctx, notify.Message{
		Topic: topicDaily,
		Title: "电费账单",
		Body:  message,
	}); err != nil {
		return fmt.Errorf("failed to send bill notification: %w", err)
	}
	return nil
}

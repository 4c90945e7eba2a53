// Package main contains the entrypoint for the dailytask application.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/touchfish/dailytask/internal/app"
	"github.com/touchfish/dailytask/internal/config"
	"github.com/touchfish/dailytask/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run parses flags, initializes components, and dispatches to the selected
// mode. It returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	var (
		runYunYu  = pflag.Bool("yunyu", false, "fetch the latest energy bill once and exit")
		runRedSea = pflag.Bool("redsea", false, "perform an attendance check-in once and exit")
		runServer = pflag.Bool("server", false, "run the scheduler with the HTTP API")
		debug     = pflag.Bool("debug", false, "debug mode: local bind, verbose text logs, no check-in delay")
	)
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	if *debug {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "text"
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = 17777
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		slog.Error("failed to configure logging", "error", err)
		return 1
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return 1
	}
	defer a.Close()

	switch {
	case *runYunYu:
		err = a.RunBillsOnce(ctx)
	case *runRedSea:
		err = a.RunCheckinOnce(ctx, *debug)
	case *runServer:
		err = a.RunServer(ctx)
	default:
		pflag.Usage()
		return 1
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "error", err)
		return 1
	}

	slog.Info("done")
	return 0
}

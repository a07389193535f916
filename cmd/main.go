package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wingman/pkg/logger"
)

func main() {
	var (
		workerMode = flag.Bool("worker", false, "run as an asynq worker consuming queued tasks")
		execTask   = flag.String("exec-task", "", "run the task in this directory and report to -endpoint")
		endpoint   = flag.String("endpoint", "", "ledger RPC url used by -exec-task")
		workdir    = flag.String("workdir", "", "working directory of -exec-task (task directory when empty)")
	)
	flag.Parse()

	if *execTask != "" {
		os.Exit(runExecTask(*execTask, *endpoint, *workdir))
	}
	if *workerMode {
		os.Exit(runWorker())
	}

	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(app.ctx, "Application initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Application startup failed: %v", err)
	}

	// Wait for exit signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)

	if err := app.Shutdown(30 * time.Second); err != nil {
		logger.ErrorCtx(app.ctx, "Application shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Application safely exited")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

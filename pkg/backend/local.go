package backend

import (
	"context"
	"sync"

	"wingman/pkg/logger"

	"github.com/google/uuid"
)

// LocalBackend runs each task on this host, synchronously or in the background
type LocalBackend struct {
	reporter   Reporter
	runner     *TaskRunner
	workdir    string
	background bool
	baseCtx    context.Context
	wg         *sync.WaitGroup
}

// Name implements Backend
func (b *LocalBackend) Name() string {
	if b.background {
		return "localbg"
	}
	return "local"
}

// Submit reports the task submitted under a generated id and runs it. In background mode
// the task outlives the caller's context and runs until the backend's base context ends.
func (b *LocalBackend) Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error {
	externalID := b.Name() + "-" + uuid.New().String()
	if err := b.reporter.TaskSubmitted(ctx, taskDir, externalID); err != nil {
		return err
	}

	if !b.background {
		// a failing task is recorded in the ledger, not a submission error
		_ = b.runner.Run(ctx, taskDir, b.workdir)
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCtx(b.baseCtx, "background task panicked, task_dir: %s, panic: %v", taskDir, r)
			}
		}()
		_ = b.runner.Run(b.baseCtx, taskDir, b.workdir)
	}()
	return nil
}

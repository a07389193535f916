package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"wingman/pkg/logger"
)

// TaskRunner executes a task script on this host and reports started, then completed
// or failed. Reporting failures are logged; the script still runs.
type TaskRunner struct {
	reporter Reporter
	nodeName string
	command  CommandFunc
}

// NewTaskRunner creates a runner reporting as nodeName. An empty nodeName uses the hostname.
func NewTaskRunner(reporter Reporter, nodeName string, command CommandFunc) *TaskRunner {
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	if command == nil {
		command = DefaultCommand
	}
	return &TaskRunner{reporter: reporter, nodeName: nodeName, command: command}
}

// NodeName returns the name this runner reports in task_started
func (r *TaskRunner) NodeName() string {
	return r.nodeName
}

// Run executes <taskDir>/task.sh in workdir (taskDir when empty). stdout and stderr go to
// files in the task directory.
func (r *TaskRunner) Run(ctx context.Context, taskDir, workdir string) error {
	if workdir == "" {
		workdir = taskDir
	}

	if err := r.reporter.TaskStarted(ctx, taskDir, r.nodeName); err != nil {
		logger.WarnCtx(ctx, "failed to report task started, task_dir: %s, error: %v", taskDir, err)
	}

	runErr := r.execute(ctx, taskDir, workdir)
	if runErr != nil {
		logger.WarnCtx(ctx, "task failed, task_dir: %s, error: %v", taskDir, runErr)
		if err := r.reporter.TaskFailed(ctx, taskDir); err != nil {
			logger.ErrorCtx(ctx, "failed to report task failed, task_dir: %s, error: %v", taskDir, err)
		}
		return runErr
	}

	logger.InfoCtx(ctx, "task completed, task_dir: %s", taskDir)
	if err := r.reporter.TaskCompleted(ctx, taskDir); err != nil {
		logger.ErrorCtx(ctx, "failed to report task completed, task_dir: %s, error: %v", taskDir, err)
	}
	return nil
}

func (r *TaskRunner) execute(ctx context.Context, taskDir, workdir string) error {
	stdout, err := os.Create(filepath.Join(taskDir, "stdout.txt"))
	if err != nil {
		return fmt.Errorf("failed to create stdout file: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(taskDir, "stderr.txt"))
	if err != nil {
		return fmt.Errorf("failed to create stderr file: %w", err)
	}
	defer stderr.Close()

	cmd := r.command(ctx, "/bin/bash", filepath.Join(taskDir, TaskScriptName))
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), "WINGMAN_TASK_DIR="+taskDir, "WINGMAN_NODE_NAME="+r.nodeName)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("task script %s: %w", taskDir, err)
	}
	return nil
}

// Package backend submits ledger tasks to an execution system and reports their lifecycle.
package backend

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"wingman/pkg/logger"
)

// TaskScriptName is the script every task directory contains
const TaskScriptName = "task.sh"

// Backend submits one task. Implementations report task_submitted (with the backend's
// job id) once the task is accepted; started and finished reports follow from whoever
// runs the task.
type Backend interface {
	Name() string
	Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error
}

// Reporter receives task lifecycle reports. Both the in-process ledger and the RPC client
// satisfy it.
type Reporter interface {
	TaskSubmitted(ctx context.Context, taskDir, externalID string) error
	TaskStarted(ctx context.Context, taskDir, nodeName string) error
	TaskFailed(ctx context.Context, taskDir string) error
	TaskCompleted(ctx context.Context, taskDir string) error
}

// CommandFunc builds the command for an external program. Tests replace it with stubs.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// DefaultCommand runs programs through exec.CommandContext
func DefaultCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// reportAccepted records a job the execution system already holds. A failed report is
// logged only: returning it would make the caller submit the task a second time.
func reportAccepted(ctx context.Context, reporter Reporter, taskDir, externalID string) {
	if err := reporter.TaskSubmitted(ctx, taskDir, externalID); err != nil {
		logger.WarnCtx(ctx, "job accepted but task_submitted report failed, task_dir: %s, id: %s, error: %v", taskDir, externalID, err)
	}
}

func errWithStderr(err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", exitErr, exitErr.Stderr)
	}
	return err
}

var unsafeShellChars = regexp.MustCompile(`[^\w@%+=:,./-]`)

// shellQuote quotes s for a POSIX shell
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !unsafeShellChars.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

package backend

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"wingman/pkg/logger"
)

var (
	qsubJobIDPattern = regexp.MustCompile(`Your job(?:-array)? (\d+)`)
	bsubJobIDPattern = regexp.MustCompile(`Job <(\d+)>`)
	jobNameUnsafe    = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// batchCLI submits tasks to a batch scheduler command line (qsub or bsub). The job script
// re-enters this binary in task execution mode, which reports started and finished.
type batchCLI struct {
	name      string
	program   string
	jobID     *regexp.Regexp
	buildArgs func(jobName, taskDir string, isScatter bool) ([]string, error)

	reporter    Reporter
	command     CommandFunc
	executable  string
	endpointURL string
	workdir     string
}

// Name implements Backend
func (b *batchCLI) Name() string {
	return b.name
}

// Submit implements Backend
func (b *batchCLI) Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error {
	args, err := b.buildArgs(jobName(runID, taskDir), taskDir, isScatter)
	if err != nil {
		return err
	}

	script := jobScript(b.executable, taskDir, b.endpointURL, b.workdir)
	logger.InfoCtx(ctx, "%s command %q task_dir: %s", b.program, args, taskDir)

	cmd := b.command(ctx, b.program, args...)
	cmd.Stdin = bytes.NewReader([]byte(script))
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%s failed for %s: %w", b.program, taskDir, errWithStderr(err))
	}

	match := b.jobID.FindSubmatch(out)
	if match == nil {
		return fmt.Errorf("%s output has no job id for %s: %q", b.program, taskDir, out)
	}
	externalID := string(match[1])
	logger.InfoCtx(ctx, "%s accepted task_dir: %s, job_id: %s", b.program, taskDir, externalID)

	reportAccepted(ctx, b.reporter, taskDir, externalID)
	return nil
}

func newSGEBackend(b batchCLI, options func(isScatter bool) ([]string, error)) *batchCLI {
	b.name = "sge"
	b.program = "qsub"
	b.jobID = qsubJobIDPattern
	b.buildArgs = func(name, taskDir string, isScatter bool) ([]string, error) {
		opts, err := options(isScatter)
		if err != nil {
			return nil, err
		}
		args := []string{
			"-V", "-b", "n", "-N", name,
			"-o", filepath.Join(taskDir, "stdout.txt"),
			"-e", filepath.Join(taskDir, "stderr.txt"),
		}
		return append(args, opts...), nil
	}
	return &b
}

func newLSFBackend(b batchCLI, options func(isScatter bool) ([]string, error)) *batchCLI {
	b.name = "lsf"
	b.program = "bsub"
	b.jobID = bsubJobIDPattern
	b.buildArgs = func(name, taskDir string, isScatter bool) ([]string, error) {
		opts, err := options(isScatter)
		if err != nil {
			return nil, err
		}
		args := []string{
			"-J", name,
			"-o", filepath.Join(taskDir, "stdout.txt"),
			"-e", filepath.Join(taskDir, "stderr.txt"),
		}
		return append(args, opts...), nil
	}
	return &b
}

// jobName derives a scheduler-safe job name from the run and task
func jobName(runID int64, taskDir string) string {
	base := jobNameUnsafe.ReplaceAllString(filepath.Base(taskDir), "_")
	return fmt.Sprintf("w%d-%s", runID, base)
}

func jobScript(executable, taskDir, endpointURL, workdir string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("exec ")
	sb.WriteString(shellQuote(executable))
	sb.WriteString(" -exec-task ")
	sb.WriteString(shellQuote(taskDir))
	sb.WriteString(" -endpoint ")
	sb.WriteString(shellQuote(endpointURL))
	if workdir != "" {
		sb.WriteString(" -workdir ")
		sb.WriteString(shellQuote(workdir))
	}
	sb.WriteString("\n")
	return sb.String()
}

package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"wingman/pkg/backend"
	"wingman/pkg/logger"

	"go.uber.org/zap"
)

// CommandResult outcome of one provisioning command
type CommandResult struct {
	Name       string    `json:"name"`
	Args       []string  `json:"args"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OutputSink receives command output line by line
type OutputSink interface {
	Broadcast(line string)
}

// CommandRunner runs provisioning commands
type CommandRunner interface {
	// Output runs args to completion and returns its stdout and stderr. A non-zero exit is
	// not an error; failing to launch is.
	Output(ctx context.Context, args []string) (stdout, stderr string, err error)
	// Start runs args in the background and calls done once it has exited, whatever the
	// exit status. A command that cannot be launched completes with exit code -1.
	Start(ctx context.Context, name string, args []string, done func(CommandResult))
}

// ExecRunner runs commands as local processes, streaming their output to a sink and the log
type ExecRunner struct {
	command backend.CommandFunc
	sink    OutputSink
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewExecRunner creates a runner. sink may be nil.
func NewExecRunner(sink OutputSink, command backend.CommandFunc) *ExecRunner {
	if command == nil {
		command = backend.DefaultCommand
	}
	return &ExecRunner{
		command: command,
		sink:    sink,
		log:     logger.Named("cluster.command"),
	}
}

func (r *ExecRunner) emit(line string) {
	r.log.Info(line)
	if r.sink != nil {
		r.sink.Broadcast(line)
	}
}

// Output implements CommandRunner
func (r *ExecRunner) Output(ctx context.Context, args []string) (string, string, error) {
	r.emit("$ " + strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	for _, line := range strings.Split(strings.TrimRight(stdout.String()+stderr.String(), "\n"), "\n") {
		if line != "" {
			r.emit(line)
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

// Start implements CommandRunner
func (r *ExecRunner) Start(ctx context.Context, name string, args []string, done func(CommandResult)) {
	result := CommandResult{Name: name, Args: args, StartedAt: time.Now()}
	r.emit("$ " + strings.Join(args, " "))

	cmd := r.command(ctx, args[0], args[1:]...)
	out, err := cmd.StdoutPipe()
	if err == nil {
		cmd.Stderr = cmd.Stdout
		err = cmd.Start()
	}
	if err != nil {
		result.ExitCode = -1
		result.Error = err.Error()
		result.FinishedAt = time.Now()
		r.emit("failed to launch " + name + ": " + err.Error())
		go done(result)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.emit(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			r.log.Warn("command output no longer streamed", zap.String("name", name), zap.Error(err))
			if r.sink != nil {
				r.sink.Broadcast("output of " + name + " truncated: " + err.Error())
			}
			// keep the pipe empty so the child can exit and Wait returns
			_, _ = io.Copy(io.Discard, out)
		}

		err := cmd.Wait()
		result.FinishedAt = time.Now()
		if err != nil {
			result.ExitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			}
			result.Error = err.Error()
		}
		r.log.Info("command finished",
			zap.String("name", name),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
		done(result)
	}()
}

// Wait blocks until every started command has exited
func (r *ExecRunner) Wait() {
	r.wg.Wait()
}

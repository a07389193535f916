// Package scheduler submits CREATED and READY ledger tasks to their run's execution backend,
// holding back tasks whose earlier groups have not finished and capping the number of
// tasks waiting in backend queues.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"wingman/internal/model"
	"wingman/internal/service"
	"wingman/pkg/backend"
	"wingman/pkg/config"
	"wingman/pkg/constants"
	"wingman/pkg/lock"
	"wingman/pkg/logger"
	"wingman/pkg/metrics"
	"wingman/pkg/runconfig"
)

// Ledger is the part of the task ledger the scheduler reads
type Ledger interface {
	CountTasksByStatus(ctx context.Context, status constants.TaskStatus) (int64, error)
	FindTasksByStatus(ctx context.Context, status constants.TaskStatus, limit int) ([]model.TaskRef, error)
	CountUnfinishedTasksByGroupNumber(ctx context.Context, runID int64) (map[int]int, error)
	GetConfigPath(ctx context.Context, runID int64) (string, string, error)
	CreatedSignal() <-chan struct{}
}

// BackendFactory resolves the backend of a run
type BackendFactory interface {
	ForRun(rc *runconfig.RunConfig) (backend.Backend, error)
}

// ConfigLoader reads a run configuration
type ConfigLoader func(path string) (*runconfig.RunConfig, error)

// Scheduler submission scheduler
type Scheduler struct {
	ledger       Ledger
	factory      BackendFactory
	loadConfig   ConfigLoader
	lock         lock.DistributedLock
	metrics      *metrics.Metrics
	maxSubmitted int
	waitTimeout  time.Duration
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLock makes the scheduler submit only while it holds l
func WithLock(l lock.DistributedLock) Option {
	return func(s *Scheduler) { s.lock = l }
}

// WithMetrics records scheduler activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithConfigLoader replaces how run configurations are read
func WithConfigLoader(loader ConfigLoader) Option {
	return func(s *Scheduler) { s.loadConfig = loader }
}

// New creates a scheduler
func New(cfg config.SchedulerConfig, ledger Ledger, factory BackendFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		ledger:       ledger,
		factory:      factory,
		loadConfig:   runconfig.Load,
		lock:         lock.NewRedisDistributedLock(nil, lock.SchedulerLockKey),
		maxSubmitted: cfg.MaxSubmitted,
		waitTimeout:  cfg.WaitTimeout,
	}
	if s.maxSubmitted <= 0 {
		s.maxSubmitted = 100
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// runEntry per-run state resolved once per cycle
type runEntry struct {
	runDir  string
	counts  map[int]int
	backend backend.Backend
	err     error
}

// CycleResult summary of one RunOnce
type CycleResult struct {
	Submitted int
	Deferred  int
	Failed    int
}

// RunOnce performs one submission pass
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	start := time.Now()
	defer func() { s.metrics.ObserveCycle(time.Since(start)) }()

	inFlight, err := s.ledger.CountTasksByStatus(ctx, constants.TaskStatusSubmitted)
	if err != nil {
		return result, fmt.Errorf("failed to count submitted tasks: %w", err)
	}
	submitted := int(inFlight)
	if submitted >= s.maxSubmitted {
		logger.DebugCtx(ctx, "submission cap reached, submitted: %d, max: %d", submitted, s.maxSubmitted)
		return result, nil
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return result, err
	}

	runs := make(map[int64]*runEntry)
	for _, task := range candidates {
		if submitted >= s.maxSubmitted {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		entry, ok := runs[task.RunID]
		if !ok {
			entry = s.resolveRun(ctx, task.RunID)
			runs[task.RunID] = entry
		}
		if entry.err != nil {
			continue
		}

		if !groupReady(entry.counts, task.GroupNumber) {
			logger.DebugCtx(ctx, "could not run %s because it needs to wait for an earlier group", task.TaskDir)
			s.metrics.TaskDeferred()
			result.Deferred++
			continue
		}

		taskDir := task.TaskDir
		isScatter := strings.Contains(taskDir, "scatter")
		if err := entry.backend.Submit(ctx, task.RunID, taskDir, isScatter); err != nil {
			logger.ErrorCtx(ctx, "failed to submit task, run_id: %d, task_dir: %s, backend: %s, error: %v",
				task.RunID, taskDir, entry.backend.Name(), err)
			s.metrics.SubmitFailed(entry.backend.Name())
			entry.err = err
			result.Failed++
			continue
		}
		s.metrics.TaskSubmitted(entry.backend.Name())
		submitted++
		result.Submitted++
	}

	if result.Submitted > 0 || result.Failed > 0 {
		logger.InfoCtx(ctx, "submission cycle done, submitted: %d, deferred: %d, failed: %d, in flight: %d",
			result.Submitted, result.Deferred, result.Failed, submitted)
	}
	return result, nil
}

// candidates lists CREATED tasks followed by READY tasks
func (s *Scheduler) candidates(ctx context.Context) ([]model.TaskRef, error) {
	created, err := s.ledger.FindTasksByStatus(ctx, constants.TaskStatusCreated, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to find created tasks: %w", err)
	}
	ready, err := s.ledger.FindTasksByStatus(ctx, constants.TaskStatusReady, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to find ready tasks: %w", err)
	}
	return append(created, ready...), nil
}

func (s *Scheduler) resolveRun(ctx context.Context, runID int64) *runEntry {
	entry := &runEntry{}

	counts, err := s.ledger.CountUnfinishedTasksByGroupNumber(ctx, runID)
	if err != nil {
		entry.err = err
		logger.ErrorCtx(ctx, "failed to count unfinished tasks, run_id: %d, error: %v", runID, err)
		return entry
	}
	entry.counts = counts

	runDir, configPath, err := s.ledger.GetConfigPath(ctx, runID)
	if err != nil {
		entry.err = err
		logger.ErrorCtx(ctx, "failed to get run config path, run_id: %d, error: %v", runID, err)
		return entry
	}
	entry.runDir = runDir
	if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(runDir, configPath)
	}

	rc, err := s.loadConfig(configPath)
	if err != nil {
		entry.err = err
		logger.ErrorCtx(ctx, "failed to load run config, run_id: %d, path: %s, error: %v", runID, configPath, err)
		return entry
	}

	entry.backend, entry.err = s.factory.ForRun(rc)
	if entry.err != nil {
		logger.ErrorCtx(ctx, "failed to create backend, run_id: %d, executor: %s, error: %v", runID, rc.Executor, entry.err)
	}
	return entry
}

// groupReady reports whether every group lower than group has no unfinished tasks
func groupReady(counts map[int]int, group int) bool {
	for other, count := range counts {
		if other < group && count > 0 {
			return false
		}
	}
	return true
}

// Run submits in a loop until ctx is done. Each cycle runs only while this instance holds
// the scheduler lock; between cycles it waits for a taskset registration or the wait timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "scheduler started, max_submitted: %d, wait_timeout: %s", s.maxSubmitted, s.waitTimeout)
	defer func() {
		if err := s.lock.Unlock(context.Background()); err != nil {
			logger.WarnCtx(ctx, "failed to release scheduler lock: %v", err)
		}
		logger.InfoCtx(ctx, "scheduler stopped")
	}()

	for {
		signal := s.ledger.CreatedSignal()

		held, err := s.lock.TryLock(ctx)
		if err != nil {
			logger.WarnCtx(ctx, "failed to acquire scheduler lock: %v", err)
		}
		if held {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorCtx(ctx, "submission cycle failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		service.WaitSignal(ctx, signal, s.waitTimeout)
	}
}

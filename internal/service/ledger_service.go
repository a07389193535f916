package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wingman/internal/model"
	"wingman/pkg/constants"
	"wingman/pkg/logger"
	"wingman/pkg/store/ledger"
	ledgermodel "wingman/pkg/store/ledger/model"

	"go.uber.org/zap"
)

// ErrRunNotFound is returned when a run id or run dir has no ledger row
var ErrRunNotFound = errors.New("run not found")

// TasksetPublisher announces new tasks to other processes sharing the ledger
type TasksetPublisher interface {
	Publish(ctx context.Context, runDir string) error
}

// LedgerService is the durable record of runs and tasks. Every operation runs in one
// ledger transaction; a context that already carries a transaction joins it.
type LedgerService struct {
	repo      *ledger.Repository
	publisher TasksetPublisher

	// created is closed and replaced each time tasks are registered
	sigMu   sync.Mutex
	created chan struct{}
}

// NewLedgerService creates the ledger service. publisher may be nil.
func NewLedgerService(repo *ledger.Repository, publisher TasksetPublisher) *LedgerService {
	return &LedgerService{
		repo:      repo,
		publisher: publisher,
		created:   make(chan struct{}),
	}
}

// ExecTx runs fn in a ledger transaction so callers can group several operations atomically
func (s *LedgerService) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.repo.GetDatastore().ExecTx(ctx, fn)
}

// GetVersion returns the RPC protocol version
func (s *LedgerService) GetVersion() string {
	return constants.ProtocolVersion
}

// RunCreated records a new run and returns its id
func (s *LedgerService) RunCreated(ctx context.Context, runDir, name, configPath string, parameters []byte) (int64, error) {
	run := &ledgermodel.Run{
		RunDir:     runDir,
		Name:       name,
		ConfigPath: configPath,
		Parameters: ledgermodel.Blob(parameters),
	}
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		return s.repo.Run.Create(ctx, run)
	})
	if err != nil {
		return 0, err
	}
	logger.InfoCtx(ctx, "run created, run_id: %d, run_dir: %s, name: %s", run.RunID, runDir, name)
	return run.RunID, nil
}

// TasksetCreated registers every task listed in the definition file as CREATED under the
// run registered for runDir, then wakes waiters. Task dirs that are already registered are
// left untouched. Returns the number of tasks inserted.
func (s *LedgerService) TasksetCreated(ctx context.Context, runDir, definitionPath string) (int, error) {
	defs, err := ReadTaskDefinitions(definitionPath)
	if err != nil {
		return 0, err
	}

	var inserted int64
	err = s.ExecTx(ctx, func(ctx context.Context) error {
		run, err := s.repo.Run.GetByDir(ctx, runDir)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("%w: run_dir=%s", ErrRunNotFound, runDir)
		}

		tasks := make([]*ledgermodel.Task, 0, len(defs))
		for _, def := range defs {
			tasks = append(tasks, &ledgermodel.Task{
				TaskDir:     ResolveTaskDir(runDir, def.TaskDir),
				RunID:       run.RunID,
				Status:      int(constants.TaskStatusCreated),
				TryCount:    0,
				GroupNumber: def.GroupNumber,
			})
		}

		inserted, err = s.repo.Task.CreateBatch(ctx, tasks)
		if err != nil {
			return err
		}
		s.broadcastCreated()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if skipped := int64(len(defs)) - inserted; skipped > 0 {
		logger.WarnCtx(ctx, "taskset_created(%s): %d task(s) already registered, ignored", runDir, skipped)
	}
	logger.InfoCtx(ctx, "taskset created, run_dir: %s, tasks: %d", runDir, inserted)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, runDir); err != nil {
			logger.WarnCtx(ctx, "failed to publish taskset notification: %v", err)
		}
	}
	return int(inserted), nil
}

// NotifyTasksetCreated wakes local waiters for tasks registered by another process
func (s *LedgerService) NotifyTasksetCreated(runDir string) {
	logger.Debug("remote taskset notification", zap.String("run_dir", runDir))
	s.broadcastCreated()
}

func (s *LedgerService) broadcastCreated() {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	close(s.created)
	s.created = make(chan struct{})
}

// CreatedSignal returns a channel closed at the next taskset registration. Taking the
// signal before a scan and waiting on it afterwards never misses a registration in between.
func (s *LedgerService) CreatedSignal() <-chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	return s.created
}

// WaitForCreated blocks until a taskset is registered, timeout elapses or ctx is done.
// Returns true when woken by a registration.
func (s *LedgerService) WaitForCreated(ctx context.Context, timeout time.Duration) bool {
	return WaitSignal(ctx, s.CreatedSignal(), timeout)
}

// WaitSignal waits on signal for at most timeout
func WaitSignal(ctx context.Context, signal <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// TaskSubmitted records the backend id of a task and marks it SUBMITTED, unless the task
// has already been reported started or finished.
func (s *LedgerService) TaskSubmitted(ctx context.Context, taskDir, externalID string) error {
	return s.ExecTx(ctx, func(ctx context.Context) error {
		rows, err := s.repo.Task.UpdateFields(ctx, taskDir, map[string]interface{}{
			"external_id": externalID,
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			logger.WarnCtx(ctx, "task_submitted(%s, %s) called, but no record in db", taskDir, externalID)
			return nil
		}

		rows, err = s.repo.Task.UpdateFieldsUnlessStatus(ctx, taskDir,
			[]constants.TaskStatus{constants.TaskStatusStarted, constants.TaskStatusSuccess, constants.TaskStatusFailed},
			map[string]interface{}{"status": int(constants.TaskStatusSubmitted)})
		if err != nil {
			return err
		}
		if rows == 0 {
			logger.DebugCtx(ctx, "task_submitted(%s) arrived after the task started, status kept", taskDir)
		}
		return nil
	})
}

// TaskStarted marks a task STARTED on nodeName and counts the attempt
func (s *LedgerService) TaskStarted(ctx context.Context, taskDir, nodeName string) error {
	return s.ExecTx(ctx, func(ctx context.Context) error {
		rows, err := s.repo.Task.MarkStarted(ctx, taskDir, nodeName)
		if err != nil {
			return err
		}
		if rows == 0 {
			logger.WarnCtx(ctx, "task_started(%s, %s) called, but no record in db", taskDir, nodeName)
		}
		return nil
	})
}

// TaskFailed marks a task FAILED
func (s *LedgerService) TaskFailed(ctx context.Context, taskDir string) error {
	return s.setStatus(ctx, "task_failed", taskDir, constants.TaskStatusFailed)
}

// TaskCompleted marks a task SUCCESS
func (s *LedgerService) TaskCompleted(ctx context.Context, taskDir string) error {
	return s.setStatus(ctx, "task_completed", taskDir, constants.TaskStatusSuccess)
}

func (s *LedgerService) setStatus(ctx context.Context, op, taskDir string, status constants.TaskStatus) error {
	return s.ExecTx(ctx, func(ctx context.Context) error {
		rows, err := s.repo.Task.UpdateFields(ctx, taskDir, map[string]interface{}{"status": int(status)})
		if err != nil {
			return err
		}
		if rows == 0 {
			logger.WarnCtx(ctx, "%s(%s) called, but no record in db", op, taskDir)
		}
		return nil
	})
}

// NodeDisappeared returns every task STARTED on nodeName to READY. try_count is unchanged.
func (s *LedgerService) NodeDisappeared(ctx context.Context, nodeName string) (int64, error) {
	var rows int64
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.repo.Task.UpdateStatusByNode(ctx, nodeName, constants.TaskStatusStarted, constants.TaskStatusReady)
		return err
	})
	if err != nil {
		return 0, err
	}
	logger.InfoCtx(ctx, "node disappeared, node: %s, tasks returned to READY: %d", nodeName, rows)
	return rows, nil
}

// FindTasksByStatus lists tasks in status. limit < 0 means no cap; limit == 0 returns nothing.
func (s *LedgerService) FindTasksByStatus(ctx context.Context, status constants.TaskStatus, limit int) ([]model.TaskRef, error) {
	refs := []model.TaskRef{}
	if limit == 0 {
		return refs, nil
	}
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		tasks, err := s.repo.Task.FindByStatus(ctx, status, limit)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			refs = append(refs, ledger.ToTaskRef(task))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// CountTasksByStatus counts tasks in a single status
func (s *LedgerService) CountTasksByStatus(ctx context.Context, status constants.TaskStatus) (int64, error) {
	var count int64
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.repo.Task.CountByStatus(ctx, status)
		return err
	})
	return count, err
}

// StatusCounts counts tasks per status, including statuses with no tasks
func (s *LedgerService) StatusCounts(ctx context.Context) (map[constants.TaskStatus]int64, error) {
	var counts map[constants.TaskStatus]int64
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.repo.Task.CountGroupedByStatus(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, status := range constants.AllTaskStatuses() {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// CountUnfinishedTasksByGroupNumber counts tasks of a run that are neither SUCCESS nor FAILED, per group
func (s *LedgerService) CountUnfinishedTasksByGroupNumber(ctx context.Context, runID int64) (map[int]int, error) {
	var counts map[int]int
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.repo.Task.CountUnfinishedByGroup(ctx, runID)
		return err
	})
	return counts, err
}

// GetConfigPath returns the run dir and config path recorded for runID
func (s *LedgerService) GetConfigPath(ctx context.Context, runID int64) (string, string, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", "", err
	}
	return run.RunDir, run.ConfigPath, nil
}

// GetRun returns a run by id
func (s *LedgerService) GetRun(ctx context.Context, runID int64) (*model.Run, error) {
	var run *ledgermodel.Run
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		run, err = s.repo.Run.Get(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run_id=%d", ErrRunNotFound, runID)
	}
	return ledger.ToRunDomain(run), nil
}

// ListRuns returns the most recent runs
func (s *LedgerService) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	var runs []*ledgermodel.Run
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		runs, err = s.repo.Run.List(ctx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := make([]*model.Run, 0, len(runs))
	for _, run := range runs {
		result = append(result, ledger.ToRunDomain(run))
	}
	return result, nil
}

// GetTask returns a task, or nil when the task dir is unknown
func (s *LedgerService) GetTask(ctx context.Context, taskDir string) (*model.Task, error) {
	var task *ledgermodel.Task
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.repo.Task.Get(ctx, taskDir)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger.ToTaskDomain(task), nil
}

// ListRunTasks returns every task of a run
func (s *LedgerService) ListRunTasks(ctx context.Context, runID int64) ([]*model.Task, error) {
	var tasks []*ledgermodel.Task
	err := s.ExecTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		var err error
		tasks, err = s.repo.Task.ListByRun(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := make([]*model.Task, 0, len(tasks))
	for _, task := range tasks {
		result = append(result, ledger.ToTaskDomain(task))
	}
	return result, nil
}

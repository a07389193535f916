package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wingman/pkg/config"
	"wingman/pkg/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TypeTaskRun asynq task type executed by AsynqWorker
	TypeTaskRun = "task:run"
)

// TaskRunPayload payload of a TypeTaskRun task
type TaskRunPayload struct {
	RunID     int64  `json:"run_id"`
	TaskDir   string `json:"task_dir"`
	IsScatter bool   `json:"is_scatter"`
	Workdir   string `json:"workdir,omitempty"`
}

// RedisClientOpt builds the asynq connection options from the redis configuration
func RedisClientOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsynqBackend enqueues tasks on redis for AsynqWorker processes
type AsynqBackend struct {
	client   *asynq.Client
	reporter Reporter
	queue    string
	workdir  string
	timeout  time.Duration
	maxRetry int
}

// Name implements Backend
func (b *AsynqBackend) Name() string {
	return "asynq"
}

// Submit enqueues the task and reports it submitted under the asynq task id
func (b *AsynqBackend) Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error {
	payload, err := json.Marshal(TaskRunPayload{
		RunID:     runID,
		TaskDir:   taskDir,
		IsScatter: isScatter,
		Workdir:   b.workdir,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(uuid.New().String()),
		asynq.Queue(b.queue),
		asynq.Timeout(b.timeout),
		asynq.MaxRetry(b.maxRetry),
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(TypeTaskRun, payload), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	logger.InfoCtx(ctx, "task enqueued, task_dir: %s, id: %s, queue: %s", taskDir, info.ID, info.Queue)
	reportAccepted(ctx, b.reporter, taskDir, info.ID)
	return nil
}

// AsynqWorker processes TypeTaskRun tasks with a TaskRunner
type AsynqWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *TaskRunner
}

// NewAsynqWorker creates a worker consuming the configured queues
func NewAsynqWorker(cfg *config.Config, runner *TaskRunner) *AsynqWorker {
	queues := cfg.Queue.Queues
	if len(queues) == 0 {
		queues = map[string]int{"default": 10}
	}

	server := asynq.NewServer(
		RedisClientOpt(cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues:      queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	w := &AsynqWorker{
		server: server,
		mux:    asynq.NewServeMux(),
		runner: runner,
	}
	w.mux.HandleFunc(TypeTaskRun, w.ProcessTask)
	return w
}

// ProcessTask runs one task. A failing script is final: the failure is already in the
// ledger, so the task is not retried by asynq.
func (w *AsynqWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.TaskDir == "" {
		return fmt.Errorf("task payload has no task_dir: %w", asynq.SkipRetry)
	}

	if err := w.runner.Run(ctx, payload.TaskDir, payload.Workdir); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// Start starts processing in the background
func (w *AsynqWorker) Start() error {
	logger.InfoCtx(context.Background(), "starting asynq worker")
	return w.server.Start(w.mux)
}

// Stop stops fetching new tasks and waits for running ones
func (w *AsynqWorker) Stop() {
	logger.InfoCtx(context.Background(), "stopping asynq worker")
	w.server.Stop()
	w.server.Shutdown()
}

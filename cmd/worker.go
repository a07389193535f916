package main

import (
	"context"
	"fmt"
	"os"

	"wingman/internal/worker"
	"wingman/pkg/backend"
	"wingman/pkg/client"
	"wingman/pkg/config"
	"wingman/pkg/logger"
)

// nodeName is the name this host reports in task_started and heartbeats
func nodeName() string {
	if name := os.Getenv("WINGMAN_NODE_NAME"); name != "" {
		return name
	}
	name, _ := os.Hostname()
	return name
}

// runExecTask runs one task script and reports its lifecycle to endpoint. Batch jobs and
// k8s Jobs enter here.
func runExecTask(taskDir, endpoint, workdir string) int {
	ctx, cancel := signalContext()
	defer cancel()
	ctx = logger.WithTraceID(ctx, "exec:"+taskDir)

	if endpoint == "" {
		logger.ErrorCtx(ctx, "-exec-task requires -endpoint")
		return 2
	}

	var opts []client.Option
	if key := os.Getenv("WINGMAN_API_KEY"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	rpc := client.New(endpoint, opts...)

	tracker := worker.NewTrackingReporter(rpc)
	runner := backend.NewTaskRunner(tracker, nodeName(), nil)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go worker.NewHeartbeat(rpc, tracker, runner.NodeName(), 0).Start(heartbeatCtx)
	defer stopHeartbeat()

	if err := runner.Run(ctx, taskDir, workdir); err != nil {
		return 1
	}
	return 0
}

// runWorker consumes asynq tasks until SIGINT or SIGTERM
func runWorker() int {
	ctx, cancel := signalContext()
	defer cancel()

	if err := setupWorker(); err != nil {
		logger.ErrorCtx(ctx, "Worker initialization failed: %v", err)
		return 1
	}
	cfg := config.GlobalConfig

	endpoint := cfg.Scheduler.EndpointURL
	if env := os.Getenv("WINGMAN_ENDPOINT"); env != "" {
		endpoint = env
	}
	if endpoint == "" {
		logger.ErrorCtx(ctx, "worker requires scheduler.endpoint_url or WINGMAN_ENDPOINT")
		return 1
	}

	rpc := client.New(endpoint, client.WithAPIKey(cfg.Server.APIKey))
	tracker := worker.NewTrackingReporter(rpc)
	runner := backend.NewTaskRunner(tracker, nodeName(), nil)
	w := backend.NewAsynqWorker(cfg, runner)

	if err := w.Start(); err != nil {
		logger.ErrorCtx(ctx, "Failed to start asynq worker: %v", err)
		return 1
	}
	go worker.NewHeartbeat(rpc, tracker, runner.NodeName(), 0).Start(ctx)

	logger.InfoCtx(ctx, "Worker %s consuming queues %v, reporting to %s", runner.NodeName(), cfg.Queue.Queues, endpoint)
	<-ctx.Done()
	w.Stop()
	_ = logger.Sync()
	return 0
}

func setupWorker() error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if err := logger.Init(config.GlobalConfig.Logger); err != nil {
		return fmt.Errorf("failed to init logger: %v", err)
	}
	if !config.GlobalConfig.Redis.Enabled() {
		return fmt.Errorf("worker mode requires redis.addr")
	}
	return nil
}

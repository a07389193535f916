// Package worker keeps an execution host visible to the service while it runs tasks.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"wingman/pkg/backend"
	"wingman/pkg/logger"

	"go.uber.org/zap"
)

// HeartbeatSender delivers node heartbeats
type HeartbeatSender interface {
	NodeHeartbeat(ctx context.Context, nodeName string, tasks []string) error
}

// TrackingReporter forwards lifecycle reports and remembers which tasks this node is running
type TrackingReporter struct {
	backend.Reporter

	mu      sync.Mutex
	running map[string]struct{}
}

// NewTrackingReporter wraps next
func NewTrackingReporter(next backend.Reporter) *TrackingReporter {
	return &TrackingReporter{Reporter: next, running: make(map[string]struct{})}
}

func (r *TrackingReporter) TaskStarted(ctx context.Context, taskDir, nodeName string) error {
	r.mu.Lock()
	r.running[taskDir] = struct{}{}
	r.mu.Unlock()
	return r.Reporter.TaskStarted(ctx, taskDir, nodeName)
}

func (r *TrackingReporter) TaskFailed(ctx context.Context, taskDir string) error {
	r.forget(taskDir)
	return r.Reporter.TaskFailed(ctx, taskDir)
}

func (r *TrackingReporter) TaskCompleted(ctx context.Context, taskDir string) error {
	r.forget(taskDir)
	return r.Reporter.TaskCompleted(ctx, taskDir)
}

func (r *TrackingReporter) forget(taskDir string) {
	r.mu.Lock()
	delete(r.running, taskDir)
	r.mu.Unlock()
}

// Running returns the task directories currently running, sorted
func (r *TrackingReporter) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make([]string, 0, len(r.running))
	for dir := range r.running {
		tasks = append(tasks, dir)
	}
	sort.Strings(tasks)
	return tasks
}

// Heartbeat periodically announces a node and its running tasks
type Heartbeat struct {
	sender   HeartbeatSender
	tracker  *TrackingReporter
	nodeName string
	interval time.Duration
}

// NewHeartbeat creates a heartbeat for nodeName. tracker may be nil.
func NewHeartbeat(sender HeartbeatSender, tracker *TrackingReporter, nodeName string, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeat{sender: sender, tracker: tracker, nodeName: nodeName, interval: interval}
}

// Start sends a heartbeat immediately and then every interval until ctx is done
func (h *Heartbeat) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger.Info("heartbeat started",
		zap.String("node", h.nodeName),
		zap.Duration("interval", h.interval),
	)

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("heartbeat stopped", zap.String("node", h.nodeName))
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	var tasks []string
	if h.tracker != nil {
		tasks = h.tracker.Running()
	}
	if err := h.sender.NodeHeartbeat(ctx, h.nodeName, tasks); err != nil && ctx.Err() == nil {
		logger.Warn("failed to send heartbeat", zap.String("node", h.nodeName), zap.Error(err))
		return
	}
	logger.Debug("heartbeat sent", zap.String("node", h.nodeName), zap.Int("tasks", len(tasks)))
}

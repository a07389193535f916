package jobs

import (
	"context"
	"time"

	"wingman/pkg/logger"
	"wingman/pkg/metrics"
)

// NodeTracker liveness records of worker nodes
type NodeTracker interface {
	FindExpired(ctx context.Context) ([]string, error)
	Alive(ctx context.Context, nodeName string) (bool, error)
	ForgetExpired(ctx context.Context, nodeName string) (bool, error)
}

// NodeLedger returns the running tasks of a lost node to the scheduler
type NodeLedger interface {
	NodeDisappeared(ctx context.Context, nodeName string) (int64, error)
}

// NodeReaperJob declares nodes whose heartbeat expired as disappeared
type NodeReaperJob struct {
	nodes    NodeTracker
	ledger   NodeLedger
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewNodeReaperJob creates the job
func NewNodeReaperJob(nodes NodeTracker, ledger NodeLedger, m *metrics.Metrics, interval time.Duration) *NodeReaperJob {
	return &NodeReaperJob{nodes: nodes, ledger: ledger, metrics: m, interval: interval}
}

func (j *NodeReaperJob) Name() string {
	return "node-reaper"
}

func (j *NodeReaperJob) Interval() time.Duration {
	return j.interval
}

// Run handles every expired node. A node stays known until the ledger update succeeded,
// so a failed update is retried on the next run.
func (j *NodeReaperJob) Run(ctx context.Context) error {
	expired, err := j.nodes.FindExpired(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, node := range expired {
		// the node may have resumed heartbeating since FindExpired
		alive, err := j.nodes.Alive(ctx, node)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to check node %s: %v", node, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if alive {
			logger.InfoCtx(ctx, "node %s resumed heartbeats, keeping its tasks", node)
			continue
		}

		n, err := j.ledger.NodeDisappeared(ctx, node)
		if err != nil {
			logger.ErrorCtx(ctx, "failed to reset tasks of disappeared node %s: %v", node, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := j.nodes.ForgetExpired(ctx, node); err != nil {
			logger.WarnCtx(ctx, "failed to forget node %s: %v", node, err)
		}
		j.metrics.NodeDisappeared()
		logger.WarnCtx(ctx, "node %s stopped sending heartbeats, %d task(s) returned to READY", node, n)
	}
	return firstErr
}

package jobs

import (
	"context"
	"time"

	"wingman/pkg/constants"
	"wingman/pkg/metrics"
)

// StatusCounter reads task counts per status
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[constants.TaskStatus]int64, error)
}

// StatusCountsJob publishes the ledger's task counts as gauges
type StatusCountsJob struct {
	ledger   StatusCounter
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewStatusCountsJob creates the job
func NewStatusCountsJob(ledger StatusCounter, m *metrics.Metrics, interval time.Duration) *StatusCountsJob {
	return &StatusCountsJob{ledger: ledger, metrics: m, interval: interval}
}

func (j *StatusCountsJob) Name() string {
	return "status-counts"
}

func (j *StatusCountsJob) Interval() time.Duration {
	return j.interval
}

func (j *StatusCountsJob) Run(ctx context.Context) error {
	counts, err := j.ledger.StatusCounts(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(counts))
	for status, n := range counts {
		byName[status.String()] = n
	}
	j.metrics.SetTaskCounts(byName)
	return nil
}

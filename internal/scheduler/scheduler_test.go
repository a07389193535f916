package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wingman/internal/service"
	"wingman/pkg/backend"
	"wingman/pkg/config"
	"wingman/pkg/constants"
	"wingman/pkg/metrics"
	"wingman/pkg/runconfig"
	"wingman/pkg/store/ledger"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	runID     int64
	taskDir   string
	isScatter bool
}

// recordingBackend reports every submission to the ledger the way a real backend does
type recordingBackend struct {
	name   string
	ledger *service.LedgerService
	err    error

	// onSubmit runs before the task is reported submitted
	onSubmit func(s submission)

	mu          sync.Mutex
	submissions []submission
}

func (b *recordingBackend) Name() string { return b.name }

func (b *recordingBackend) Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error {
	if b.err != nil {
		return b.err
	}
	s := submission{runID: runID, taskDir: taskDir, isScatter: isScatter}
	if b.onSubmit != nil {
		b.onSubmit(s)
	}
	b.mu.Lock()
	b.submissions = append(b.submissions, s)
	n := len(b.submissions)
	b.mu.Unlock()
	return b.ledger.TaskSubmitted(ctx, taskDir, fmt.Sprintf("%s-%d", b.name, n))
}

func (b *recordingBackend) taskDirs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirs := make([]string, 0, len(b.submissions))
	for _, s := range b.submissions {
		dirs = append(dirs, s.taskDir)
	}
	return dirs
}

// executorFactory hands out one backend per executor name
type executorFactory struct {
	backends map[string]backend.Backend
}

func (f *executorFactory) ForRun(rc *runconfig.RunConfig) (backend.Backend, error) {
	b, ok := f.backends[rc.Executor]
	if !ok {
		return nil, fmt.Errorf("unsupported executor: %s", rc.Executor)
	}
	return b, nil
}

func newTestLedger(t *testing.T) *service.LedgerService {
	t.Helper()
	repo, err := ledger.NewRepository(config.LedgerConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return service.NewLedgerService(repo, nil)
}

// createRun registers a run whose config selects executor and whose taskset lists lines
func createRun(t *testing.T, s *service.LedgerService, executor string, lines ...string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	runDir := t.TempDir()

	configPath := filepath.Join(runDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("executor: "+executor+"\n"), 0644))
	defPath := filepath.Join(runDir, "tasks.txt")
	require.NoError(t, os.WriteFile(defPath, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	runID, err := s.RunCreated(ctx, runDir, "test", "config.yaml", nil)
	require.NoError(t, err)
	_, err = s.TasksetCreated(ctx, runDir, defPath)
	require.NoError(t, err)
	return runID, runDir
}

func statusOf(t *testing.T, s *service.LedgerService, taskDir string) constants.TaskStatus {
	t.Helper()
	task, err := s.GetTask(context.Background(), taskDir)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task.Status
}

func TestRunOnce_GroupsSubmitInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestLedger(t)
	b := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 10, WaitTimeout: time.Second}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	_, runDir := createRun(t, s, runconfig.ExecutorLocal, "0 t0", "0 t1", "1 t2")
	t0, t1, t2 := filepath.Join(runDir, "t0"), filepath.Join(runDir, "t1"), filepath.Join(runDir, "t2")

	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 1, result.Deferred)
	assert.ElementsMatch(t, []string{t0, t1}, b.taskDirs())
	assert.Equal(t, constants.TaskStatusSubmitted, statusOf(t, s, t0))
	assert.Equal(t, constants.TaskStatusCreated, statusOf(t, s, t2))

	require.NoError(t, s.TaskStarted(ctx, t0, "n1"))
	require.NoError(t, s.TaskCompleted(ctx, t0))

	// t1 is still unfinished, so group 1 keeps waiting
	result, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Submitted)
	assert.Len(t, b.taskDirs(), 2)

	require.NoError(t, s.TaskStarted(ctx, t1, "n1"))
	require.NoError(t, s.TaskFailed(ctx, t1))

	result, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
	require.Len(t, b.taskDirs(), 3)
	assert.Equal(t, t2, b.taskDirs()[2])
	assert.Equal(t, constants.TaskStatusSubmitted, statusOf(t, s, t2))
}

func TestRunOnce_RespectsSubmissionCap(t *testing.T) {
	ctx := context.Background()
	s := newTestLedger(t)
	b := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 3}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	createRun(t, s, runconfig.ExecutorLocal, "0 a", "0 b", "0 c", "0 d", "0 e")

	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Submitted)

	result, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Submitted)

	n, err := s.CountTasksByStatus(ctx, constants.TaskStatusSubmitted)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// finishing one frees exactly one slot
	first := b.taskDirs()[0]
	require.NoError(t, s.TaskStarted(ctx, first, "n1"))
	require.NoError(t, s.TaskCompleted(ctx, first))

	result, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
}

func TestRunOnce_ReadyTasksAreResubmitted(t *testing.T) {
	ctx := context.Background()
	s := newTestLedger(t)
	b := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 10}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	_, runDir := createRun(t, s, runconfig.ExecutorLocal, "0 t0")
	t0 := filepath.Join(runDir, "t0")

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, s.TaskStarted(ctx, t0, "n1"))

	n, err := s.NodeDisappeared(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	assert.Equal(t, constants.TaskStatusReady, statusOf(t, s, t0))

	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
	assert.Equal(t, []string{t0, t0}, b.taskDirs())

	task, err := s.GetTask(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, task.TryCount)
	assert.Equal(t, constants.TaskStatusSubmitted, task.Status)
}

func TestRunOnce_ScatterFlag(t *testing.T) {
	s := newTestLedger(t)
	b := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 10}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	createRun(t, s, runconfig.ExecutorLocal, "0 scatter-1", "0 gather")

	_, err := sched.RunOnce(context.Background())
	require.NoError(t, err)

	flags := make(map[string]bool)
	for _, sub := range b.submissions {
		flags[filepath.Base(sub.taskDir)] = sub.isScatter
	}
	assert.Equal(t, map[string]bool{"scatter-1": true, "gather": false}, flags)
}

func TestRunOnce_BackendErrorsAreIsolatedPerRun(t *testing.T) {
	ctx := context.Background()
	s := newTestLedger(t)
	m := metrics.New()
	broken := &recordingBackend{name: "sge", ledger: s, err: errors.New("qsub: command not found")}
	working := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 10}, s,
		&executorFactory{backends: map[string]backend.Backend{
			runconfig.ExecutorSGE:   broken,
			runconfig.ExecutorLocal: working,
		}}, WithMetrics(m))

	_, brokenDir := createRun(t, s, runconfig.ExecutorSGE, "0 a", "0 b")
	createRun(t, s, runconfig.ExecutorLocal, "0 c", "0 d")
	// unknown executor fails run config validation
	createRun(t, s, "slurm", "0 e")

	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 1, result.Failed, "a failing backend is tried once per cycle")
	assert.Len(t, working.taskDirs(), 2)

	assert.Equal(t, constants.TaskStatusCreated, statusOf(t, s, filepath.Join(brokenDir, "a")))
	assert.Equal(t, constants.TaskStatusCreated, statusOf(t, s, filepath.Join(brokenDir, "b")))
	expected := `
# HELP wingman_scheduler_submit_errors_total Failed submissions, by backend
# TYPE wingman_scheduler_submit_errors_total counter
wingman_scheduler_submit_errors_total{backend="sge"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wingman_scheduler_submit_errors_total"))
}

func TestRunOnce_MissingRunConfig(t *testing.T) {
	ctx := context.Background()
	s := newTestLedger(t)
	b := &recordingBackend{name: "local", ledger: s}
	sched := New(config.SchedulerConfig{MaxSubmitted: 10}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	_, runDir := createRun(t, s, runconfig.ExecutorLocal, "0 t0")
	require.NoError(t, os.Remove(filepath.Join(runDir, "config.yaml")))

	result, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Submitted)
	assert.Empty(t, b.taskDirs())
}

func TestRun_WakesOnTasksetCreated(t *testing.T) {
	s := newTestLedger(t)
	submitted := make(chan string, 10)
	b := &recordingBackend{name: "local", ledger: s, onSubmit: func(sub submission) { submitted <- sub.taskDir }}
	// a wait timeout far beyond the test deadline: only the wakeup can trigger the second cycle
	sched := New(config.SchedulerConfig{MaxSubmitted: 10, WaitTimeout: time.Hour}, s,
		&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// let the first, empty cycle pass
	time.Sleep(100 * time.Millisecond)
	_, runDir := createRun(t, s, runconfig.ExecutorLocal, "0 t0")

	select {
	case dir := <-submitted:
		assert.Equal(t, filepath.Join(runDir, "t0"), dir)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not wake up on taskset registration")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestGroupReady(t *testing.T) {
	tests := []struct {
		name   string
		counts map[int]int
		group  int
		want   bool
	}{
		{name: "no other groups", counts: map[int]int{0: 2}, group: 0, want: true},
		{name: "earlier group unfinished", counts: map[int]int{0: 1, 1: 1}, group: 1, want: false},
		{name: "earlier group finished", counts: map[int]int{0: 0, 1: 1}, group: 1, want: true},
		{name: "later groups ignored", counts: map[int]int{2: 5}, group: 1, want: true},
		{name: "negative groups order first", counts: map[int]int{-1: 1}, group: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, groupReady(tt.counts, tt.group))
		})
	}
}

// TestProperty_NoTaskRunsBeforeEarlierGroups drives random runs to completion and checks
// that every submission happens only once all lower groups of its run are finished.
func TestProperty_NoTaskRunsBeforeEarlierGroups(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()

	var violation error
	b := &recordingBackend{name: "local", ledger: s}
	b.onSubmit = func(sub submission) {
		task, err := s.GetTask(ctx, sub.taskDir)
		if err != nil || task == nil {
			violation = fmt.Errorf("submitted unknown task %s", sub.taskDir)
			return
		}
		counts, err := s.CountUnfinishedTasksByGroupNumber(ctx, sub.runID)
		if err != nil {
			violation = err
			return
		}
		for group, n := range counts {
			if group < task.GroupNumber && n > 0 {
				violation = fmt.Errorf("%s (group %d) submitted while group %d has %d unfinished", sub.taskDir, task.GroupNumber, group, n)
			}
		}
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("groups finish in order", prop.ForAll(
		func(groups []int, maxSubmitted int, seed int64) bool {
			violation = nil
			rng := rand.New(rand.NewSource(seed))
			sched := New(config.SchedulerConfig{MaxSubmitted: maxSubmitted}, s,
				&executorFactory{backends: map[string]backend.Backend{runconfig.ExecutorLocal: b}})

			lines := make([]string, len(groups))
			for i, g := range groups {
				lines[i] = fmt.Sprintf("%d t%d", g, i)
			}
			runID, _ := createRun(t, s, runconfig.ExecutorLocal, lines...)

			for round := 0; round < 10*len(groups)+10; round++ {
				if _, err := sched.RunOnce(ctx); err != nil {
					return false
				}
				if violation != nil {
					t.Log(violation)
					return false
				}

				tasks, err := s.ListRunTasks(ctx, runID)
				if err != nil {
					return false
				}
				unfinished := 0
				for _, task := range tasks {
					if task.Status.IsTerminal() {
						continue
					}
					unfinished++
					if task.Status != constants.TaskStatusSubmitted || rng.Intn(2) == 0 {
						continue
					}
					_ = s.TaskStarted(ctx, task.TaskDir, "n1")
					if rng.Intn(4) == 0 {
						_ = s.TaskFailed(ctx, task.TaskDir)
					} else {
						_ = s.TaskCompleted(ctx, task.TaskDir)
					}
				}
				if unfinished == 0 {
					return true
				}
			}
			return false
		},
		gen.SliceOfN(8, gen.IntRange(0, 3)),
		gen.IntRange(1, 4),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

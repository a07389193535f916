package cluster

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCommand records invocations and answers with a fixed shell snippet
type stubCommand struct {
	mu     sync.Mutex
	args   [][]string
	script string
}

func (s *stubCommand) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	s.mu.Lock()
	s.args = append(s.args, append([]string{prog}, args...))
	s.mu.Unlock()
	return exec.CommandContext(ctx, "bash", "-c", s.script)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestExecRunner_StartSurvivesOverlongLine(t *testing.T) {
	stub := &stubCommand{script: `head -c 2000000 /dev/zero | tr '\0' a; echo; echo after; exit 3`}
	sink := &recordingSink{}
	r := NewExecRunner(sink, stub.command)

	results := make(chan CommandResult, 1)
	r.Start(context.Background(), "scale", []string{"starcluster", "scalecluster", "flock"}, func(res CommandResult) {
		results <- res
	})

	select {
	case res := <-results:
		assert.Equal(t, 3, res.ExitCode)
	case <-time.After(10 * time.Second):
		t.Fatal("command blocked on a full output pipe")
	}
	r.Wait()

	lines := sink.snapshot()
	assert.Contains(t, lines[len(lines)-1], "output of scale truncated")
}

func TestExecRunner_OutputSeparatesStreams(t *testing.T) {
	stub := &stubCommand{script: `echo 'flock (security group: @sc-flock)'; echo 'warning' >&2; exit 1`}
	sink := &recordingSink{}
	r := NewExecRunner(sink, stub.command)

	stdout, stderr, err := r.Output(context.Background(), []string{"starcluster", "listclusters", "flock"})
	require.NoError(t, err, "a non-zero exit is not a launch failure")
	assert.Equal(t, "flock (security group: @sc-flock)\n", stdout)
	assert.Equal(t, "warning\n", stderr)
	assert.Equal(t, [][]string{{"starcluster", "listclusters", "flock"}}, stub.args)
	assert.Equal(t, "$ starcluster listclusters flock", sink.snapshot()[0])
}

func TestExecRunner_StartStreamsAndReportsExitCode(t *testing.T) {
	stub := &stubCommand{script: `echo adding 2 nodes; echo spot request failed >&2; exit 3`}
	sink := &recordingSink{}
	r := NewExecRunner(sink, stub.command)

	results := make(chan CommandResult, 1)
	r.Start(context.Background(), "scale", []string{"starcluster", "scalecluster", "flock"}, func(res CommandResult) {
		results <- res
	})

	select {
	case res := <-results:
		assert.Equal(t, "scale", res.Name)
		assert.Equal(t, 3, res.ExitCode)
		assert.NotEmpty(t, res.Error)
		assert.False(t, res.FinishedAt.Before(res.StartedAt))
	case <-time.After(10 * time.Second):
		t.Fatal("command did not complete")
	}
	r.Wait()

	lines := sink.snapshot()
	assert.Contains(t, lines, "adding 2 nodes")
	assert.Contains(t, lines, "spot request failed")
}

func TestExecRunner_LaunchFailureStillCompletes(t *testing.T) {
	r := NewExecRunner(nil, func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/nonexistent/start_cluster.sh")
	})

	results := make(chan CommandResult, 1)
	r.Start(context.Background(), "startup", []string{"./start_cluster.sh"}, func(res CommandResult) {
		results <- res
	})

	select {
	case res := <-results:
		assert.Equal(t, -1, res.ExitCode)
		assert.NotEmpty(t, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("launch failure was not reported")
	}
}

// Package cluster runs the lifecycle manager of one elastic cluster: a single goroutine
// consuming an ordered mailbox owns every state transition, provisioning commands run in
// the background and report back through the same mailbox.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wingman/pkg/config"
	"wingman/pkg/constants"
	"wingman/pkg/logger"
	"wingman/pkg/metrics"

	"github.com/google/uuid"
)

// Mailbox commands
const (
	MsgStart           = "start"
	MsgStop            = "stop"
	MsgUpdate          = "update"
	MsgStartCompleted  = "start-completed"
	MsgUpdateCompleted = "update-completed"
	MsgStopCompleted   = "stop-completed"
	MsgStateQuery      = "state?"
)

const maxRecentCommands = 20

// Message one mailbox entry
type Message struct {
	Command string
	// Result is set on completion messages posted by a finished command
	Result *CommandResult

	reply chan constants.ClusterState
}

// mailbox unbounded FIFO; posting never blocks
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) post(msg Message) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) next(ctx context.Context) (Message, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue[0] = Message{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return msg, true
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Status snapshot of the manager for the control surface
type Status struct {
	Cluster        string                 `json:"cluster"`
	Identifier     string                 `json:"identifier"`
	State          constants.ClusterState `json:"state"`
	Running        bool                   `json:"running"`
	RequestedStop  bool                   `json:"requested_stop"`
	Error          string                 `json:"error,omitempty"`
	Parameters     Parameters             `json:"parameters"`
	RecentCommands []CommandResult        `json:"recent_commands"`
}

// Manager lifecycle manager of one cluster
type Manager struct {
	name          string
	template      string
	startupScript string
	prefix        []string
	identifier    string

	runner    CommandRunner
	ownership OwnershipStore
	metrics   *metrics.Metrics
	notifier  Notifier
	mailbox   *mailbox

	state         atomic.Value // constants.ClusterState
	requestedStop atomic.Bool

	paramsMu sync.RWMutex
	params   Parameters

	// owned by the loop goroutine
	firstUpdate bool
	timer       *time.Timer

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	err      error
	commands []CommandResult
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records state changes and command exits
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Notifier alerts operators when the loop terminates on an error
type Notifier interface {
	ManagerTerminated(ctx context.Context, clusterName, state string, cause error) error
}

// WithNotifier sends an alert through n whenever the loop dies
func WithNotifier(n Notifier) Option {
	return func(mgr *Manager) { mgr.notifier = n }
}

// WithParameters replaces the initial monitor parameters
func WithParameters(p Parameters) Option {
	return func(mgr *Manager) { mgr.params = p }
}

// NewManager creates a manager in state DEAD. The identifier comes from the configuration
// or is generated.
func NewManager(cfg config.ClusterConfig, runner CommandRunner, ownership OwnershipStore, opts ...Option) *Manager {
	identifier := cfg.Identifier
	if identifier == "" {
		identifier = uuid.New().String()
	}
	m := &Manager{
		name:          cfg.Name,
		template:      cfg.Template,
		startupScript: cfg.StartupScript,
		prefix:        append([]string(nil), cfg.CommandPrefix...),
		identifier:    identifier,
		runner:        runner,
		ownership:     ownership,
		mailbox:       newMailbox(),
		params:        ParametersFromConfig(cfg.Monitor),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(constants.ClusterStateDead)
	return m
}

// Identifier written into the ownership tag
func (m *Manager) Identifier() string {
	return m.identifier
}

// State current state; safe from any goroutine
func (m *Manager) State() constants.ClusterState {
	return m.state.Load().(constants.ClusterState)
}

func (m *Manager) setState(s constants.ClusterState) {
	m.state.Store(s)
	all := constants.AllClusterStates()
	names := make([]string, len(all))
	for i, st := range all {
		names[i] = st.String()
	}
	m.metrics.SetClusterState(s.String(), names)
}

// StartManager determines whether the cluster already exists and starts the mailbox loop.
// An existing cluster is adopted: the manager enters STARTING and claims ownership on its
// first scaling cycle. ctx bounds the lifetime of the loop.
func (m *Manager) StartManager(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	m.running = true
	m.mu.Unlock()

	adopt, err := m.clusterExists(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	if adopt {
		m.setState(constants.ClusterStateStarting)
		m.firstUpdate = true
		m.mailbox.post(Message{Command: MsgStartCompleted})
	} else {
		m.setState(constants.ClusterStateStopped)
	}
	logger.InfoCtx(ctx, "cluster manager started, cluster: %s, identifier: %s, state: %s", m.name, m.identifier, m.State())

	done := make(chan struct{})
	m.mu.Lock()
	m.done = done
	m.err = nil
	m.mu.Unlock()

	go m.loop(ctx, done)
	return nil
}

func (m *Manager) clusterExists(ctx context.Context) (bool, error) {
	args := append(append([]string(nil), m.prefix...), "listclusters", m.name)
	stdout, stderr, err := m.runner.Output(ctx, args)
	if err != nil {
		return false, fmt.Errorf("failed to run listclusters: %w", err)
	}
	if strings.Contains(stderr, "does not exist") {
		return false, nil
	}
	if strings.Contains(stdout, "security group") {
		return true, nil
	}
	return false, fmt.Errorf("unexpected listclusters output for %s: stdout=%q stderr=%q", m.name, stdout, stderr)
}

// StartCluster requests a cluster start
func (m *Manager) StartCluster() {
	m.mailbox.post(Message{Command: MsgStart})
}

// StopCluster requests a cluster stop. A stop arriving mid-transition is carried out once
// the transition completes.
func (m *Manager) StopCluster() {
	m.mailbox.post(Message{Command: MsgStop})
}

// Tell posts an arbitrary command
func (m *Manager) Tell(command string) {
	m.mailbox.post(Message{Command: command})
}

// QueryState asks the loop for its state, returning the last known state when the loop
// is not running or ctx ends first.
func (m *Manager) QueryState(ctx context.Context) constants.ClusterState {
	m.mu.Lock()
	done := m.done
	running := m.running
	m.mu.Unlock()
	if !running || done == nil {
		return m.State()
	}

	reply := make(chan constants.ClusterState, 1)
	m.mailbox.post(Message{Command: MsgStateQuery, reply: reply})
	select {
	case s := <-reply:
		return s
	case <-done:
	case <-ctx.Done():
	}
	return m.State()
}

// Err error that stopped the last loop, nil while running or after a clean shutdown
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the current loop exits. Nil before StartManager.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether a loop is alive
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Parameters returns the current monitor parameters
func (m *Manager) Parameters() Parameters {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.params
}

// SetParameters replaces the monitor parameters used from the next scaling cycle on
func (m *Manager) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.paramsMu.Lock()
	m.params = p
	m.paramsMu.Unlock()
	logger.Info("cluster monitor parameters updated")
	return nil
}

// Status returns a snapshot for display
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Cluster:        m.name,
		Identifier:     m.identifier,
		Running:        m.running,
		RecentCommands: append([]CommandResult(nil), m.commands...),
	}
	if m.err != nil {
		s.Error = m.err.Error()
	}
	m.mu.Unlock()

	s.State = m.State()
	s.RequestedStop = m.requestedStop.Load()
	s.Parameters = m.Parameters()
	return s
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	var loopErr error
	defer func() {
		if r := recover(); r != nil {
			loopErr = &FatalError{Cause: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
		if m.timer != nil {
			m.timer.Stop()
		}

		var ownershipErr *OwnershipError
		if !errors.As(loopErr, &ownershipErr) {
			m.setState(constants.ClusterStateDead)
		}
		if loopErr != nil {
			logger.ErrorCtx(ctx, "cluster manager loop terminated, cluster: %s, state: %s, error: %v", m.name, m.State(), loopErr)
			m.notifyTerminated(ctx, loopErr)
		} else {
			logger.InfoCtx(ctx, "cluster manager loop stopped, cluster: %s", m.name)
		}

		m.mu.Lock()
		m.err = loopErr
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	for {
		msg, ok := m.mailbox.next(ctx)
		if !ok {
			return
		}
		if err := m.handle(ctx, msg); err != nil {
			var ownershipErr *OwnershipError
			if errors.As(err, &ownershipErr) {
				loopErr = err
			} else {
				loopErr = &FatalError{Cause: err}
			}
			return
		}
	}
}

func (m *Manager) notifyTerminated(ctx context.Context, cause error) {
	if m.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := m.notifier.ManagerTerminated(notifyCtx, m.name, m.State().String(), cause); err != nil {
		logger.WarnCtx(ctx, "failed to notify cluster manager termination: %v", err)
	}
}

// handle applies one message to the state machine
func (m *Manager) handle(ctx context.Context, msg Message) error {
	if msg.Result != nil {
		m.recordCommand(ctx, *msg.Result)
	}

	state := m.State()
	logger.DebugCtx(ctx, "cluster manager received %s in state %s", msg.Command, state)

	switch msg.Command {
	case MsgStateQuery:
		if msg.reply != nil {
			msg.reply <- state
		}
	case MsgStart:
		if state == constants.ClusterStateStopped || state == constants.ClusterStateDead {
			return m.executeStartup(ctx)
		}
	case MsgStop:
		switch state {
		case constants.ClusterStateStarting, constants.ClusterStateStopping, constants.ClusterStateUpdating:
			m.requestedStop.Store(true)
		case constants.ClusterStateSleeping, constants.ClusterStateStopped:
			m.executeShutdown(ctx)
		default:
			logger.WarnCtx(ctx, "stop requested but cluster manager is %s", state)
		}
	case MsgUpdate:
		if state == constants.ClusterStateSleeping {
			return m.executePoll(ctx)
		}
	case MsgUpdateCompleted:
		if state == constants.ClusterStateUpdating {
			m.afterTransition(ctx)
		}
	case MsgStartCompleted:
		if state == constants.ClusterStateStarting {
			m.afterTransition(ctx)
		}
	case MsgStopCompleted:
		if state == constants.ClusterStateStopping {
			m.requestedStop.Store(false)
			m.setState(constants.ClusterStateStopped)
		}
	default:
		logger.WarnCtx(ctx, "cluster manager ignoring unknown message %q", msg.Command)
	}
	return nil
}

func (m *Manager) recordCommand(ctx context.Context, result CommandResult) {
	if result.ExitCode != 0 {
		logger.WarnCtx(ctx, "provisioning command %s exited with %d: %s", result.Name, result.ExitCode, result.Error)
	}
	m.metrics.ClusterCommandFinished(result.Name, result.ExitCode)

	m.mu.Lock()
	m.commands = append(m.commands, result)
	if len(m.commands) > maxRecentCommands {
		m.commands = m.commands[len(m.commands)-maxRecentCommands:]
	}
	m.mu.Unlock()
}

// afterTransition sleeps until the next scaling cycle, or tears down when a stop arrived
// during the transition.
func (m *Manager) afterTransition(ctx context.Context) {
	if m.requestedStop.Load() {
		logger.InfoCtx(ctx, "carrying out deferred stop of cluster %s", m.name)
		m.executeShutdown(ctx)
		return
	}
	m.executeSleepThenPoll()
}

func (m *Manager) runCommand(ctx context.Context, name string, args []string, completion string) {
	m.runner.Start(ctx, name, args, func(result CommandResult) {
		m.mailbox.post(Message{Command: completion, Result: &result})
	})
}

func (m *Manager) executeStartup(ctx context.Context) error {
	if len(m.prefix) != 3 || m.prefix[1] != "-c" {
		return fmt.Errorf("startup needs a command prefix of the form [cmd, -c, config], got %v", m.prefix)
	}
	args := []string{m.startupScript, m.prefix[0], m.prefix[2], m.name, m.template}
	m.runCommand(ctx, "startup", args, MsgStartCompleted)
	m.setState(constants.ClusterStateStarting)
	return nil
}

func (m *Manager) executeShutdown(ctx context.Context) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.requestedStop.Store(false)
	args := append(append([]string(nil), m.prefix...), "terminate", "--confirm", m.name)
	m.runCommand(ctx, "teardown", args, MsgStopCompleted)
	m.setState(constants.ClusterStateStopping)
}

func (m *Manager) executeSleepThenPoll() {
	m.setState(constants.ClusterStateSleeping)
	interval := time.Duration(m.Parameters().Interval) * time.Second
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(interval, func() {
		m.mailbox.post(Message{Command: MsgUpdate})
	})
}

func (m *Manager) executePoll(ctx context.Context) error {
	m.setState(constants.ClusterStateUpdating)

	params := m.Parameters()
	if params.Paused {
		logger.DebugCtx(ctx, "cluster %s monitor is paused", m.name)
		m.mailbox.post(Message{Command: MsgUpdateCompleted})
		return nil
	}

	if err := m.verifyOwnership(ctx, m.firstUpdate); err != nil {
		return err
	}
	m.firstUpdate = false

	flags, err := params.Args()
	if err != nil {
		return err
	}
	args := append(append([]string(nil), m.prefix...), "scalecluster", m.name)
	args = append(args, flags...)
	if params.DryRun {
		logger.InfoCtx(ctx, "dry run, not scaling cluster %s: %s", m.name, strings.Join(args, " "))
		m.mailbox.post(Message{Command: MsgUpdateCompleted})
		return nil
	}
	m.runCommand(ctx, "scale", args, MsgUpdateCompleted)
	return nil
}

// verifyOwnership claims the cluster when no owner is recorded or steal is set, and fails
// when another identifier owns it.
func (m *Manager) verifyOwnership(ctx context.Context, steal bool) error {
	owner, found, err := m.ownership.GetOwner(ctx, m.name)
	if err != nil {
		return err
	}
	if !found || steal {
		if err := m.ownership.SetOwner(ctx, m.name, m.identifier); err != nil {
			return err
		}
		logger.InfoCtx(ctx, "claimed ownership of cluster %s as %s", m.name, m.identifier)
		return nil
	}
	if owner != m.identifier {
		m.setState(constants.ClusterStateLostOwnership)
		return &OwnershipError{Cluster: m.name, Expected: m.identifier, Actual: owner}
	}
	return nil
}

package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"wingman/pkg/config"
	"wingman/pkg/runconfig"

	"github.com/hibiken/asynq"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/client-go/kubernetes"
)

// Factory creates the backend selected by a run configuration
type Factory struct {
	cfg         *config.Config
	reporter    Reporter
	command     CommandFunc
	executable  string
	endpointURL string
	nodeName    string

	asynqClient *asynq.Client
	kube        kubernetes.Interface
	jobTemplate *batchv1.Job

	baseCtx context.Context
	wg      sync.WaitGroup
}

// Option configures a Factory
type Option func(*Factory)

// WithCommandFunc replaces how external programs are started
func WithCommandFunc(command CommandFunc) Option {
	return func(f *Factory) { f.command = command }
}

// WithAsynqClient enables the asynq executor
func WithAsynqClient(client *asynq.Client) Option {
	return func(f *Factory) { f.asynqClient = client }
}

// WithKubernetes enables the k8s executor. template may be nil.
func WithKubernetes(client kubernetes.Interface, template *batchv1.Job) Option {
	return func(f *Factory) {
		f.kube = client
		f.jobTemplate = template
	}
}

// WithExecutable sets the wingman binary batch jobs re-enter
func WithExecutable(path string) Option {
	return func(f *Factory) { f.executable = path }
}

// WithNodeName sets the node name local tasks report
func WithNodeName(name string) Option {
	return func(f *Factory) { f.nodeName = name }
}

// WithBaseContext bounds background tasks started by localbg
func WithBaseContext(ctx context.Context) Option {
	return func(f *Factory) { f.baseCtx = ctx }
}

// NewFactory creates a backend factory. endpointURL is where remotely executed tasks report.
func NewFactory(cfg *config.Config, reporter Reporter, endpointURL string, opts ...Option) *Factory {
	f := &Factory{
		cfg:         cfg,
		reporter:    reporter,
		command:     DefaultCommand,
		endpointURL: endpointURL,
		baseCtx:     context.Background(),
	}
	if exe, err := os.Executable(); err == nil {
		f.executable = exe
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForRun returns the backend for a run
func (f *Factory) ForRun(rc *runconfig.RunConfig) (Backend, error) {
	switch rc.Executor {
	case runconfig.ExecutorLocal, runconfig.ExecutorLocalBg:
		return &LocalBackend{
			reporter:   f.reporter,
			runner:     NewTaskRunner(f.reporter, f.nodeName, f.command),
			workdir:    rc.Workdir,
			background: rc.Executor == runconfig.ExecutorLocalBg,
			baseCtx:    f.baseCtx,
			wg:         &f.wg,
		}, nil

	case runconfig.ExecutorAsynq:
		if f.asynqClient == nil {
			return nil, fmt.Errorf("executor asynq requires redis to be configured")
		}
		return &AsynqBackend{
			client:   f.asynqClient,
			reporter: f.reporter,
			queue:    rc.Queue,
			workdir:  rc.Workdir,
			timeout:  time.Duration(f.cfg.Queue.TaskTimeout) * time.Second,
			maxRetry: f.cfg.Queue.MaxRetry,
		}, nil

	case runconfig.ExecutorSGE:
		return newSGEBackend(f.batchBase(rc), rc.QsubArgs), nil

	case runconfig.ExecutorLSF:
		return newLSFBackend(f.batchBase(rc), rc.BsubArgs), nil

	case runconfig.ExecutorK8s:
		if f.kube == nil {
			return nil, fmt.Errorf("executor k8s requires k8s to be enabled")
		}
		b := newK8sBackend(f.cfg.K8s, f.kube, f.reporter, f.jobTemplate)
		b.executable = f.cfg.K8s.Executable
		b.endpointURL = f.endpointURL
		b.workdir = rc.Workdir
		if rc.Image != "" {
			b.image = rc.Image
		}
		if rc.Namespace != "" {
			b.namespace = rc.Namespace
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown executor: %s", rc.Executor)
	}
}

func (f *Factory) batchBase(rc *runconfig.RunConfig) batchCLI {
	return batchCLI{
		reporter:    f.reporter,
		command:     f.command,
		executable:  f.executable,
		endpointURL: f.endpointURL,
		workdir:     rc.Workdir,
	}
}

// Wait blocks until background tasks started by localbg backends have finished
func (f *Factory) Wait() {
	f.wg.Wait()
}

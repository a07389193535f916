// Package runconfig loads the per-run configuration that selects how a run's tasks are executed.
package runconfig

import (
	"fmt"
	"os"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Executor names accepted in the executor field
const (
	ExecutorLocal   = "local"
	ExecutorLocalBg = "localbg"
	ExecutorAsynq   = "asynq"
	ExecutorSGE     = "sge"
	ExecutorLSF     = "lsf"
	ExecutorK8s     = "k8s"
)

// RunConfig configuration of one run
type RunConfig struct {
	Name     string `yaml:"name"`
	Executor string `yaml:"executor"`
	Workdir  string `yaml:"workdir"`

	QsubOptions        string `yaml:"qsub_options"`
	ScatterQsubOptions string `yaml:"scatter_qsub_options"`
	BsubOptions        string `yaml:"bsub_options"`
	ScatterBsubOptions string `yaml:"scatter_bsub_options"`

	// Queue asynq queue tasks of this run are enqueued on
	Queue string `yaml:"queue"`

	// Image and Namespace override the k8s backend defaults for this run
	Image     string `yaml:"image"`
	Namespace string `yaml:"namespace"`
}

// Load reads the run configuration at path. Missing executor defaults to localbg.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a run configuration document
func Parse(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}
	if cfg.Executor == "" {
		cfg.Executor = ExecutorLocalBg
	}
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	switch cfg.Executor {
	case ExecutorLocal, ExecutorLocalBg, ExecutorAsynq, ExecutorSGE, ExecutorLSF, ExecutorK8s:
	default:
		return nil, fmt.Errorf("unknown executor: %s", cfg.Executor)
	}
	return &cfg, nil
}

// QsubArgs returns the qsub options for a task, split like a shell would
func (c *RunConfig) QsubArgs(isScatter bool) ([]string, error) {
	if isScatter {
		return splitOptions(c.ScatterQsubOptions)
	}
	return splitOptions(c.QsubOptions)
}

// BsubArgs returns the bsub options for a task, split like a shell would
func (c *RunConfig) BsubArgs(isScatter bool) ([]string, error) {
	if isScatter {
		return splitOptions(c.ScatterBsubOptions)
	}
	return splitOptions(c.BsubOptions)
}

func splitOptions(options string) ([]string, error) {
	args, err := shlex.Split(options)
	if err != nil {
		return nil, fmt.Errorf("invalid options %q: %w", options, err)
	}
	return args, nil
}

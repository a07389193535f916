package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalConfig is the configuration loaded by Init. Components receive an explicit *Config;
// the global only serves middleware that has no constructor to receive it.
var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Redis        RedisConfig        `yaml:"redis"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Queue        QueueConfig        `yaml:"queue"`
	K8s          K8sConfig          `yaml:"k8s"`
	Notification NotificationConfig `yaml:"notification"`
	Logger       LoggerConfig       `yaml:"logger"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for worker authentication (optional, if empty, auth is disabled)
}

// LedgerConfig selects and configures the task ledger store
type LedgerConfig struct {
	Driver string      `yaml:"driver"` // sqlite, mysql
	Path   string      `yaml:"path"`   // sqlite database file
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN renders the go-sql-driver DSN for this configuration.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig Redis configuration. Redis is optional: without an address the service runs
// single-instance (no distributed lock, no cross-process wakeups, no asynq backend).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// SchedulerConfig submission scheduler configuration
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxSubmitted int           `yaml:"max_submitted"` // global cap on SUBMITTED tasks
	WaitTimeout  time.Duration `yaml:"wait_timeout"`  // upper bound between cycles without new tasksets
	EndpointURL  string        `yaml:"endpoint_url"`  // RPC url workers report to; derived from server when empty
	FlockHome    string        `yaml:"flock_home"`    // directory holding task wrapper scripts
}

// ClusterConfig cluster lifecycle manager configuration
type ClusterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Name          string        `yaml:"name"`
	Template      string        `yaml:"template"`
	CommandPrefix []string      `yaml:"command_prefix"` // e.g. [starcluster, -c, /etc/starcluster/config]
	StartupScript string        `yaml:"startup_script"`
	Identifier    string        `yaml:"identifier"` // ownership identifier, generated when empty
	Region        string        `yaml:"region"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	Monitor       MonitorConfig `yaml:"monitor"`
}

// MonitorConfig initial monitor parameters of the cluster manager
type MonitorConfig struct {
	Paused                    bool    `yaml:"paused"`
	Interval                  int     `yaml:"interval"` // seconds between scale commands
	SpotBid                   float64 `yaml:"spot_bid"` // per cpu
	MaxToAdd                  int     `yaml:"max_to_add"`
	TimePerJob                int     `yaml:"time_per_job"`
	TimeToAddServersFixed     int     `yaml:"time_to_add_servers_fixed"`
	TimeToAddServersPerServer int     `yaml:"time_to_add_servers_per_server"`
	MaxInstances              int     `yaml:"max_instances"`
	InstanceType              string  `yaml:"instance_type"`
	Domain                    string  `yaml:"domain"`
	JobsPerServer             int     `yaml:"jobs_per_server"`
	LogFile                   string  `yaml:"log_file"`
	DryRun                    bool    `yaml:"dryrun"`
}

// QueueConfig asynq backend configuration
type QueueConfig struct {
	Concurrency int            `yaml:"concurrency"`  // worker processing concurrency
	MaxRetry    int            `yaml:"max_retry"`    // maximum retry count
	TaskTimeout int            `yaml:"task_timeout"` // task timeout (seconds)
	Queues      map[string]int `yaml:"queues"`       // queue name -> priority consumed by workers
}

// K8sConfig k8s Job backend configuration
type K8sConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Namespace   string `yaml:"namespace"`
	Kubeconfig  string `yaml:"kubeconfig"`   // empty means in-cluster config
	JobTemplate string `yaml:"job_template"` // optional batch/v1 Job yaml used as the base of every Job
	Image       string `yaml:"image"`        // image used when no template is given
	Executable  string `yaml:"executable"`   // wingman binary path inside the image
}

// NotificationConfig operator alert configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults replaces missing or invalid values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = 3010
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "wingman.db"
	}
	if c.Ledger.MySQL.Port <= 0 {
		c.Ledger.MySQL.Port = 3306
	}

	if c.Scheduler.MaxSubmitted <= 0 {
		c.Scheduler.MaxSubmitted = 100
	}
	if c.Scheduler.WaitTimeout <= 0 {
		c.Scheduler.WaitTimeout = 10 * time.Second
	}

	if c.Cluster.StartupScript == "" {
		c.Cluster.StartupScript = "./start_cluster.sh"
	}
	applyMonitorDefaults(&c.Cluster.Monitor)

	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 10
	}
	if c.Queue.MaxRetry < 0 {
		c.Queue.MaxRetry = 0
	}
	if c.Queue.TaskTimeout <= 0 {
		c.Queue.TaskTimeout = 24 * 3600
	}
	if len(c.Queue.Queues) == 0 {
		c.Queue.Queues = map[string]int{"default": 10}
	}

	if c.K8s.Namespace == "" {
		c.K8s.Namespace = "default"
	}
	if c.K8s.Executable == "" {
		c.K8s.Executable = "wingman"
	}

	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		c.Logger.Level = "info"
	}
	switch c.Logger.Output {
	case "console", "file", "both":
	default:
		c.Logger.Output = "console"
	}
	if c.Logger.File.Path == "" {
		c.Logger.File.Path = "logs/wingman.log"
	}
}

// DefaultMonitorConfig returns the monitor parameters a fresh manager starts with.
func DefaultMonitorConfig() MonitorConfig {
	m := MonitorConfig{Paused: true}
	applyMonitorDefaults(&m)
	return m
}

func applyMonitorDefaults(m *MonitorConfig) {
	if m.Interval <= 0 {
		m.Interval = 30
	}
	if m.SpotBid <= 0 {
		m.SpotBid = 0.01
	}
	if m.MaxToAdd <= 0 {
		m.MaxToAdd = 1
	}
	if m.TimePerJob <= 0 {
		m.TimePerJob = 30 * 60
	}
	if m.TimeToAddServersFixed <= 0 {
		m.TimeToAddServersFixed = 60
	}
	if m.TimeToAddServersPerServer <= 0 {
		m.TimeToAddServersPerServer = 30
	}
	if m.MaxInstances <= 0 {
		m.MaxInstances = 10
	}
	if m.InstanceType == "" {
		m.InstanceType = "m3.medium"
	}
	if m.Domain == "" {
		m.Domain = "cluster-deadmans-switch"
	}
	if m.JobsPerServer <= 0 {
		m.JobsPerServer = 1
	}
}

// Validate reports configuration that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported ledger driver: %s", c.Ledger.Driver)
	}
	if c.Cluster.Enabled {
		if c.Cluster.Name == "" {
			return fmt.Errorf("cluster.name is required when the cluster manager is enabled")
		}
		if len(c.Cluster.CommandPrefix) == 0 {
			return fmt.Errorf("cluster.command_prefix is required when the cluster manager is enabled")
		}
	}
	return nil
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

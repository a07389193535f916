package cluster

import (
	"fmt"
	"sort"
	"strconv"

	"wingman/pkg/config"

	"github.com/shopspring/decimal"
)

// cpusPerInstance cpu count of the instance types the scale command may request
var cpusPerInstance = map[string]int{
	"m3.medium":  1,
	"c3.large":   2,
	"c3.xlarge":  4,
	"c3.2xlarge": 8,
	"c3.4xlarge": 16,
	"c3.8xlarge": 32,
	"r3.large":   2,
	"r3.xlarge":  4,
	"r3.2xlarge": 8,
	"r3.4xlarge": 16,
	"r3.8xlarge": 32,
}

// CPUsPerInstance returns the cpu count of instanceType
func CPUsPerInstance(instanceType string) (int, bool) {
	cpus, ok := cpusPerInstance[instanceType]
	return cpus, ok
}

// InstanceTypes lists the known instance types, largest first
func InstanceTypes() []string {
	types := make([]string, 0, len(cpusPerInstance))
	for t := range cpusPerInstance {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		ci, cj := cpusPerInstance[types[i]], cpusPerInstance[types[j]]
		if ci != cj {
			return ci > cj
		}
		return types[i] < types[j]
	})
	return types
}

// Parameters monitor parameters read by the manager on every scaling cycle
type Parameters struct {
	Paused                    bool    `json:"paused"`
	Interval                  int     `json:"interval"` // seconds
	SpotBid                   float64 `json:"spot_bid"` // per cpu
	MaxToAdd                  int     `json:"max_to_add"`
	TimePerJob                int     `json:"time_per_job"`
	TimeToAddServersFixed     int     `json:"time_to_add_servers_fixed"`
	TimeToAddServersPerServer int     `json:"time_to_add_servers_per_server"`
	MaxInstances              int     `json:"max_instances"`
	InstanceType              string  `json:"instance_type"`
	Domain                    string  `json:"domain"`
	JobsPerServer             int     `json:"jobs_per_server"`
	LogFile                   string  `json:"log_file,omitempty"`
	// DryRun logs each scale command instead of running it
	DryRun                    bool    `json:"dryrun"`
}

// ParametersFromConfig converts the configured monitor section
func ParametersFromConfig(m config.MonitorConfig) Parameters {
	return Parameters{
		Paused:                    m.Paused,
		Interval:                  m.Interval,
		SpotBid:                   m.SpotBid,
		MaxToAdd:                  m.MaxToAdd,
		TimePerJob:                m.TimePerJob,
		TimeToAddServersFixed:     m.TimeToAddServersFixed,
		TimeToAddServersPerServer: m.TimeToAddServersPerServer,
		MaxInstances:              m.MaxInstances,
		InstanceType:              m.InstanceType,
		Domain:                    m.Domain,
		JobsPerServer:             m.JobsPerServer,
		LogFile:                   m.LogFile,
		DryRun:                    m.DryRun,
	}
}

// DefaultParameters parameters of a fresh manager: paused, one small instance at a time
func DefaultParameters() Parameters {
	return ParametersFromConfig(config.DefaultMonitorConfig())
}

// Validate rejects parameters the scale command cannot be built from
func (p Parameters) Validate() error {
	if _, ok := cpusPerInstance[p.InstanceType]; !ok {
		return fmt.Errorf("unknown instance type: %q", p.InstanceType)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", p.Interval)
	}
	if p.SpotBid <= 0 {
		return fmt.Errorf("spot_bid must be positive, got %v", p.SpotBid)
	}
	if p.MaxToAdd <= 0 || p.MaxInstances <= 0 || p.JobsPerServer <= 0 {
		return fmt.Errorf("max_to_add, max_instances and jobs_per_server must be positive")
	}
	if p.TimePerJob < 0 || p.TimeToAddServersFixed < 0 || p.TimeToAddServersPerServer < 0 {
		return fmt.Errorf("time estimates must not be negative")
	}
	return nil
}

// SpotBidForInstance total bid for one instance: the per cpu bid times the instance's cpus
func (p Parameters) SpotBidForInstance() (decimal.Decimal, error) {
	cpus, ok := cpusPerInstance[p.InstanceType]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown instance type: %q", p.InstanceType)
	}
	return decimal.NewFromFloat(p.SpotBid).Mul(decimal.NewFromInt(int64(cpus))), nil
}

// Args renders the scalecluster flags
func (p Parameters) Args() ([]string, error) {
	bid, err := p.SpotBidForInstance()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--spot_bid", bid.String(),
		"--max_to_add", strconv.Itoa(p.MaxToAdd),
		"--time_per_job", strconv.Itoa(p.TimePerJob),
		"--time_to_add_servers_fixed", strconv.Itoa(p.TimeToAddServersFixed),
		"--time_to_add_servers_per_server", strconv.Itoa(p.TimeToAddServersPerServer),
		"--instance_type", p.InstanceType,
		"--domain", p.Domain,
		"--jobs_per_server", strconv.Itoa(p.JobsPerServer),
	}
	if p.LogFile != "" {
		args = append(args, "--logfile", p.LogFile)
	}
	args = append(args, "--max_instances", strconv.Itoa(p.MaxInstances))
	return args, nil
}

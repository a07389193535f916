package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameters_Args(t *testing.T) {
	p := Parameters{
		Interval:                  30,
		SpotBid:                   0.03,
		MaxToAdd:                  2,
		TimePerJob:                1800,
		TimeToAddServersFixed:     60,
		TimeToAddServersPerServer: 30,
		MaxInstances:              10,
		InstanceType:              "r3.xlarge",
		Domain:                    "cluster-deadmans-switch",
		JobsPerServer:             4,
	}

	args, err := p.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--spot_bid", "0.12",
		"--max_to_add", "2",
		"--time_per_job", "1800",
		"--time_to_add_servers_fixed", "60",
		"--time_to_add_servers_per_server", "30",
		"--instance_type", "r3.xlarge",
		"--domain", "cluster-deadmans-switch",
		"--jobs_per_server", "4",
		"--max_instances", "10",
	}, args)

	p.LogFile = "/var/log/scale.log"
	args, err = p.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{"--logfile", "/var/log/scale.log", "--max_instances", "10"}, args[len(args)-4:])
}

func TestParameters_SpotBidIsExact(t *testing.T) {
	tests := []struct {
		instanceType string
		spotBid      float64
		want         string
	}{
		{instanceType: "m3.medium", spotBid: 0.01, want: "0.01"},
		{instanceType: "c3.8xlarge", spotBid: 0.1, want: "3.2"},
		{instanceType: "r3.4xlarge", spotBid: 0.07, want: "1.12"},
	}
	for _, tt := range tests {
		t.Run(tt.instanceType, func(t *testing.T) {
			p := DefaultParameters()
			p.InstanceType = tt.instanceType
			p.SpotBid = tt.spotBid
			bid, err := p.SpotBidForInstance()
			require.NoError(t, err)
			assert.Equal(t, tt.want, bid.String())
		})
	}
}

func TestParameters_UnknownInstanceType(t *testing.T) {
	p := DefaultParameters()
	p.InstanceType = "x1.huge"
	_, err := p.Args()
	assert.Error(t, err)
	assert.Error(t, p.Validate())
}

func TestParameters_Validate(t *testing.T) {
	assert.NoError(t, DefaultParameters().Validate())

	p := DefaultParameters()
	p.Interval = 0
	assert.Error(t, p.Validate())

	p = DefaultParameters()
	p.JobsPerServer = -1
	assert.Error(t, p.Validate())
}

func TestInstanceTypes_LargestFirst(t *testing.T) {
	types := InstanceTypes()
	require.Len(t, types, len(cpusPerInstance))
	assert.Equal(t, "c3.8xlarge", types[0])
	assert.Equal(t, "m3.medium", types[len(types)-1])

	cpus, ok := CPUsPerInstance("c3.large")
	assert.True(t, ok)
	assert.Equal(t, 2, cpus)
}

package model

import (
	"encoding/json"
	"time"

	"wingman/pkg/constants"
)

// Run run model
type Run struct {
	RunID      int64           `json:"run_id"`
	RunDir     string          `json:"run_dir"`
	Name       string          `json:"name"`
	ConfigPath string          `json:"config_path"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Task task model
type Task struct {
	TaskDir     string               `json:"task_dir"`
	RunID       int64                `json:"run_id"`
	Status      constants.TaskStatus `json:"-"`
	StatusName  string               `json:"status"`
	TryCount    int                  `json:"try_count"`
	NodeName    string               `json:"node_name,omitempty"`
	ExternalID  string               `json:"external_id,omitempty"`
	GroupNumber int                  `json:"group_number"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// TaskRef is the projection the scheduler works from
type TaskRef struct {
	RunID       int64  `json:"run_id"`
	TaskDir     string `json:"task_dir"`
	GroupNumber int    `json:"group_number"`
}

// TaskDefinition one "<group> <task_dir>" line of a taskset definition file
type TaskDefinition struct {
	GroupNumber int
	TaskDir     string
}

// StatusCounts task count per status name
type StatusCounts map[string]int64

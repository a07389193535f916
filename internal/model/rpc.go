package model

import "encoding/json"

// RunCreatedRequest params of run_created. RunID carries the logical run directory.
type RunCreatedRequest struct {
	RunID      string          `json:"run_id" binding:"required"`
	Name       string          `json:"name"`
	ConfigPath string          `json:"config_path"`
	Parameters json.RawMessage `json:"parameters"`
}

// TasksetCreatedRequest params of taskset_created
type TasksetCreatedRequest struct {
	RunDir             string `json:"run_dir" binding:"required"`
	TaskDefinitionPath string `json:"task_definition_path" binding:"required"`
}

// TaskSubmittedRequest params of task_submitted
type TaskSubmittedRequest struct {
	TaskDir    string `json:"task_dir" binding:"required"`
	ExternalID string `json:"external_id"`
}

// TaskStartedRequest params of task_started
type TaskStartedRequest struct {
	TaskDir  string `json:"task_dir" binding:"required"`
	NodeName string `json:"node_name"`
}

// TaskDirRequest params of task_failed and task_completed
type TaskDirRequest struct {
	TaskDir string `json:"task_dir" binding:"required"`
}

// NodeDisappearedRequest params of node_disappeared
type NodeDisappearedRequest struct {
	NodeName string `json:"node_name" binding:"required"`
}

// RPCResponse result of every ledger RPC method
type RPCResponse struct {
	Success bool `json:"success"`
}

// VersionResponse result of get_version
type VersionResponse struct {
	Version string `json:"version"`
}

// NodeHeartbeatRequest params of node_heartbeat
type NodeHeartbeatRequest struct {
	NodeName string   `json:"node_name" binding:"required"`
	Tasks    []string `json:"tasks"`
}

package model

import "time"

// Task ledger row for one unit of work. TaskDir is the absolute task directory.
type Task struct {
	TaskDir     string    `gorm:"column:task_dir;type:varchar(768);primaryKey" json:"task_dir"`
	RunID       int64     `gorm:"column:run_id;not null;index:idx_run_id;index:idx_run_status,priority:1" json:"run_id"`
	Status      int       `gorm:"column:status;not null;index:idx_status;index:idx_run_status,priority:2" json:"status"`
	TryCount    int       `gorm:"column:try_count;not null;default:0" json:"try_count"`
	NodeName    *string   `gorm:"column:node_name;type:varchar(255);index:idx_node_name" json:"node_name,omitempty"`
	ExternalID  *string   `gorm:"column:external_id;type:varchar(255)" json:"external_id,omitempty"`
	GroupNumber int       `gorm:"column:group_number;not null" json:"group_number"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

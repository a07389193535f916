package model

import "time"

// Run one invocation of a workflow. Rows are never updated after insert.
type Run struct {
	RunID      int64     `gorm:"column:run_id;primaryKey;autoIncrement" json:"run_id"`
	RunDir     string    `gorm:"column:run_dir;type:varchar(768);not null;index:idx_run_dir" json:"run_dir"`
	Name       string    `gorm:"column:name;type:varchar(255)" json:"name"`
	ConfigPath string    `gorm:"column:config_path;type:varchar(1024)" json:"config_path"`
	Parameters Blob      `gorm:"column:parameters;type:text" json:"parameters"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for Run
func (Run) TableName() string {
	return "runs"
}

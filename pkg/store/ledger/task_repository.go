package ledger

import (
	"context"
	"errors"
	"fmt"

	"wingman/pkg/constants"
	"wingman/pkg/store/ledger/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// insertBatchSize bounds the rows per INSERT statement during taskset registration
const insertBatchSize = 500

// TaskRepository handles task persistence
type TaskRepository struct {
	ds *Datastore
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(ds *Datastore) *TaskRepository {
	return &TaskRepository{ds: ds}
}

// CreateBatch inserts tasks, skipping any whose task_dir is already registered.
// Returns the number of rows actually inserted.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []*model.Task) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	result := r.ds.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_dir"}}, DoNothing: true}).
		CreateInBatches(tasks, insertBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to create tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get retrieves a task by task_dir, returning nil when it does not exist
func (r *TaskRepository) Get(ctx context.Context, taskDir string) (*model.Task, error) {
	var task model.Task
	err := r.ds.DB(ctx).Where("task_dir = ?", taskDir).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// UpdateFields updates specific fields of a task by task_dir.
// Returns the number of rows affected so callers can detect unknown tasks.
func (r *TaskRepository) UpdateFields(ctx context.Context, taskDir string, updates map[string]interface{}) (int64, error) {
	result := r.ds.DB(ctx).Model(&model.Task{}).
		Where("task_dir = ?", taskDir).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update task: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateFieldsUnlessStatus updates a task only while its status is not one of excluded
func (r *TaskRepository) UpdateFieldsUnlessStatus(ctx context.Context, taskDir string, excluded []constants.TaskStatus, updates map[string]interface{}) (int64, error) {
	result := r.ds.DB(ctx).Model(&model.Task{}).
		Where("task_dir = ? AND status NOT IN ?", taskDir, statusCodes(excluded)).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update task: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkStarted increments try_count and records the executing node
func (r *TaskRepository) MarkStarted(ctx context.Context, taskDir, nodeName string) (int64, error) {
	result := r.ds.DB(ctx).Model(&model.Task{}).
		Where("task_dir = ?", taskDir).
		Updates(map[string]interface{}{
			"try_count": gorm.Expr("try_count + ?", 1),
			"node_name": nodeName,
			"status":    int(constants.TaskStatusStarted),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark task started: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateStatusByNode moves every task on nodeName in status from to status to
func (r *TaskRepository) UpdateStatusByNode(ctx context.Context, nodeName string, from, to constants.TaskStatus) (int64, error) {
	result := r.ds.DB(ctx).Model(&model.Task{}).
		Where("node_name = ? AND status = ?", nodeName, int(from)).
		Update("status", int(to))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to update tasks on node %s: %w", nodeName, result.Error)
	}
	return result.RowsAffected, nil
}

// FindByStatus returns tasks in status, oldest registration first. A negative limit means no cap.
func (r *TaskRepository) FindByStatus(ctx context.Context, status constants.TaskStatus, limit int) ([]*model.Task, error) {
	var tasks []*model.Task
	if limit == 0 {
		return tasks, nil
	}
	query := r.ds.DB(ctx).
		Select("run_id", "task_dir", "group_number").
		Where("status = ?", int(status)).
		Order("created_at ASC").Order("task_dir ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to find tasks by status: %w", err)
	}
	return tasks, nil
}

// CountByStatus counts tasks in a single status
func (r *TaskRepository) CountByStatus(ctx context.Context, status constants.TaskStatus) (int64, error) {
	var count int64
	err := r.ds.DB(ctx).Model(&model.Task{}).Where("status = ?", int(status)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

type statusCount struct {
	Status int
	Count  int64
}

// CountGroupedByStatus counts tasks per status across all runs
func (r *TaskRepository) CountGroupedByStatus(ctx context.Context) (map[constants.TaskStatus]int64, error) {
	var rows []statusCount
	err := r.ds.DB(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	result := make(map[constants.TaskStatus]int64, len(rows))
	for _, row := range rows {
		result[constants.TaskStatus(row.Status)] = row.Count
	}
	return result, nil
}

type groupCount struct {
	GroupNumber int
	Count       int
}

// CountUnfinishedByGroup counts tasks of runID that are neither SUCCESS nor FAILED, per group
func (r *TaskRepository) CountUnfinishedByGroup(ctx context.Context, runID int64) (map[int]int, error) {
	var rows []groupCount
	err := r.ds.DB(ctx).Model(&model.Task{}).
		Select("group_number, COUNT(*) AS count").
		Where("run_id = ? AND status NOT IN ?", runID, []int{int(constants.TaskStatusFailed), int(constants.TaskStatusSuccess)}).
		Group("group_number").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unfinished tasks: %w", err)
	}
	result := make(map[int]int, len(rows))
	for _, row := range rows {
		result[row.GroupNumber] = row.Count
	}
	return result, nil
}

// ListByRun returns every task of runID ordered by group then task_dir
func (r *TaskRepository) ListByRun(ctx context.Context, runID int64) ([]*model.Task, error) {
	var tasks []*model.Task
	err := r.ds.DB(ctx).
		Where("run_id = ?", runID).
		Order("group_number ASC").Order("task_dir ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list run tasks: %w", err)
	}
	return tasks, nil
}

func statusCodes(statuses []constants.TaskStatus) []int {
	codes := make([]int, len(statuses))
	for i, s := range statuses {
		codes[i] = int(s)
	}
	return codes
}

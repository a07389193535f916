package ledger

import (
	"encoding/json"

	"wingman/internal/model"
	"wingman/pkg/constants"
	ledgermodel "wingman/pkg/store/ledger/model"
)

// ToRunDomain converts a Run row to the domain Run model
func ToRunDomain(run *ledgermodel.Run) *model.Run {
	if run == nil {
		return nil
	}
	return &model.Run{
		RunID:      run.RunID,
		RunDir:     run.RunDir,
		Name:       run.Name,
		ConfigPath: run.ConfigPath,
		Parameters: json.RawMessage(run.Parameters),
		CreatedAt:  run.CreatedAt,
	}
}

// ToTaskDomain converts a Task row to the domain Task model
func ToTaskDomain(task *ledgermodel.Task) *model.Task {
	if task == nil {
		return nil
	}
	status := constants.TaskStatus(task.Status)
	return &model.Task{
		TaskDir:     task.TaskDir,
		RunID:       task.RunID,
		Status:      status,
		StatusName:  status.String(),
		TryCount:    task.TryCount,
		NodeName:    derefString(task.NodeName),
		ExternalID:  derefString(task.ExternalID),
		GroupNumber: task.GroupNumber,
		UpdatedAt:   task.UpdatedAt,
	}
}

// ToTaskRef projects a Task row onto the fields the scheduler needs
func ToTaskRef(task *ledgermodel.Task) model.TaskRef {
	return model.TaskRef{
		RunID:       task.RunID,
		TaskDir:     task.TaskDir,
		GroupNumber: task.GroupNumber,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package constants

import "fmt"

// TaskStatus is the lifecycle state of a task in the ledger.
// The numeric values are the codes persisted in the tasks table and must not change.
type TaskStatus int

const (
	TaskStatusFailed    TaskStatus = -1
	TaskStatusStarted   TaskStatus = 1
	TaskStatusSuccess   TaskStatus = 2
	TaskStatusSubmitted TaskStatus = 20
	TaskStatusReady     TaskStatus = 100
	TaskStatusCreated   TaskStatus = 105
)

var taskStatusNames = map[TaskStatus]string{
	TaskStatusFailed:    "FAILED",
	TaskStatusStarted:   "STARTED",
	TaskStatusSuccess:   "SUCCESS",
	TaskStatusSubmitted: "SUBMITTED",
	TaskStatusReady:     "READY",
	TaskStatusCreated:   "CREATED",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// ParseTaskStatus converts a status name (as rendered by String) back to a TaskStatus.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for status, n := range taskStatusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown task status: %q", name)
}

// AllTaskStatuses lists every known status, in lifecycle order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusCreated,
		TaskStatusSubmitted,
		TaskStatusStarted,
		TaskStatusReady,
		TaskStatusSuccess,
		TaskStatusFailed,
	}
}

// ProtocolVersion is reported by the get_version RPC method.
const ProtocolVersion = "1"

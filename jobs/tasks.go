package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeOverdueScan is the task type for the overdue invoice sweep.
	TaskTypeOverdueScan = "invoice:overdue_scan"
)

// OverdueScanPayload parameterizes one overdue sweep. AsOf zero means "now".
type OverdueScanPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewOverdueScanTask constructs an Asynq task.
func NewOverdueScanTask(payload OverdueScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeOverdueScan, data), nil
}

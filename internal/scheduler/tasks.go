package scheduler

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskExpireIdle = "conversations.expire_idle"

const TaskPruneEnded = "conversations.prune_ended"

// SweepPayload pins the sweep's reference time. A zero At means "when the
// task runs", which is what periodic tasks use.
type SweepPayload struct {
	At time.Time `json:"at,omitempty"`
}

func newSweepTask(taskType string, payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.MaxRetry(1), asynq.Timeout(5*time.Minute)), nil
}

func parseSweepPayload(task *asynq.Task) (SweepPayload, error) {
	var payload SweepPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SweepPayload{}, err
	}
	return payload, nil
}

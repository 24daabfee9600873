package service

import (
	"encoding/json"

	"github.com/clipreel/api/internal/model"
	"github.com/hibiken/asynq"
)

// Task types
const (
	TaskTypeCompile = "clip:compile"
	TaskTypeExpire  = "clip:expire"
)

func NewCompileTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(model.CompileTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCompile, data), nil
}

func NewExpireTask(jobID, objectKey string) (*asynq.Task, error) {
	data, err := json.Marshal(model.ExpireTaskPayload{JobID: jobID, ObjectKey: objectKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExpire, data), nil
}

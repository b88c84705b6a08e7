// Package jobs holds the asynq task definitions and handlers for the
// extraction pipeline.
package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExtractDispatch submits a stored document to the extraction
	// service.
	TaskExtractDispatch = "extract:dispatch"
	// TaskExtractPoll checks an in-flight extraction job.
	TaskExtractPoll = "extract:poll"
	// TaskExtractSweep fails out documents whose extraction chain was
	// lost.
	TaskExtractSweep = "extract:sweep"
)

// DispatchPayload identifies the document to dispatch.
type DispatchPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// PollPayload tracks one step of the bounded polling schedule.
type PollPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
}

// NewDispatchTask constructs an extraction dispatch task.
func NewDispatchTask(payload DispatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExtractDispatch, data), nil
}

// NewPollTask constructs an extraction poll task.
func NewPollTask(payload PollPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExtractPoll, data), nil
}

// NewSweepTask constructs the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskExtractSweep, nil)
}

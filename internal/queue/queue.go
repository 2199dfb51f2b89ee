// Package queue is the broker port between submission and the worker pool.
// Delivery is at-least-once; consumers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task types handled by the worker mux.
const (
	TaskTypeBatch   = "batch:process"
	TaskTypeCleanup = "batch:cleanup"
)

// Queue names and their relative priorities.
const (
	QueueBatches = "batches"
	QueueCleanup = "cleanup"
)

// Queue enqueues batch-processing messages and revokes in-flight ones.
type Queue interface {
	// Enqueue schedules processing of the given job and returns an opaque
	// task ref usable with Revoke.
	Enqueue(ctx context.Context, jobID string) (string, error)
	// Revoke is a best-effort attempt to stop delivery of a previously
	// enqueued task. Cancellation correctness does not depend on it; the
	// orchestrator re-checks the job status at every item boundary.
	Revoke(ctx context.Context, taskRef string) error
}

// BatchTaskPayload is the body of a batch:process task.
type BatchTaskPayload struct {
	JobID string `json:"jobId"`
}

// CleanupTaskPayload is the body of a batch:cleanup task.
type CleanupTaskPayload struct {
	RetentionDays int `json:"retentionDays"`
}

// NewBatchTask builds the asynq task for one job.
func NewBatchTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(BatchTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBatch, data), nil
}

// NewCleanupTask builds the periodic cleanup task.
func NewCleanupTask(retentionDays int) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupTaskPayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCleanup, data), nil
}

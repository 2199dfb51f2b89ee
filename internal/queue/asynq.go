package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Asynq implements Queue over an asynq client. Each job becomes one task on
// the batches queue with a hard wall-clock timeout; after the timeout the
// broker kills the handler and the job is left processing for a later
// reconciliation pass.
type Asynq struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	jobTimeout time.Duration
}

// NewAsynq creates the asynq-backed queue.
func NewAsynq(client *asynq.Client, inspector *asynq.Inspector, jobTimeout time.Duration) *Asynq {
	return &Asynq{
		client:     client,
		inspector:  inspector,
		jobTimeout: jobTimeout,
	}
}

func (q *Asynq) Enqueue(ctx context.Context, jobID string) (string, error) {
	task, err := NewBatchTask(jobID)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueBatches),
		asynq.MaxRetry(3),
		asynq.Timeout(q.jobTimeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

func (q *Asynq) Revoke(ctx context.Context, taskRef string) error {
	if taskRef == "" {
		return nil
	}

	// Signals an in-flight handler; a no-op if the task is not running.
	if err := q.inspector.CancelProcessing(taskRef); err != nil {
		return err
	}

	// Drops the task if it is still waiting in the queue.
	err := q.inspector.DeleteTask(QueueBatches, taskRef)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return err
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/processor"
	"github.com/clinisight/api/internal/queue"
	"github.com/clinisight/api/internal/store"
	ws "github.com/clinisight/api/internal/websocket"
)

// BatchWorker drives a claimed job through its items and computes the final
// status. One job is processed end-to-end by exactly one worker at a time;
// items run strictly in batch order. Item status doubles as the resumption
// checkpoint: on broker redelivery only items still pending are processed.
type BatchWorker struct {
	store     store.Store
	processor processor.Processor
	hub       *ws.Hub
}

// NewBatchWorker creates a batch worker.
func NewBatchWorker(st store.Store, proc processor.Processor, hub *ws.Hub) *BatchWorker {
	return &BatchWorker{
		store:     st,
		processor: proc,
		hub:       hub,
	}
}

// ProcessTask handles one batch:process delivery.
func (w *BatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.BatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	jobID := payload.JobID

	job, err := w.store.MarkJobStarted(ctx, jobID)
	if err == store.ErrJobNotFound {
		log.Printf("Batch job %s no longer exists, dropping task", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	if job.Terminal() {
		// Redelivery of a finished or cancelled job.
		return nil
	}
	log.Printf("Processing batch job %s (%d items)", jobID, job.TotalItems)

	items, err := w.store.ListItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list items for job %s: %w", jobID, err)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Order < items[b].Order })

	for _, item := range items {
		switch item.Status {
		case model.ItemStatusPending:
		case model.ItemStatusProcessing:
			// Left behind by a crashed attempt; the outcome of that attempt
			// is unknown, so count it as failed and move on.
			if err := w.store.FailItem(ctx, jobID, item.ID, "processing interrupted"); err != nil {
				return fmt.Errorf("failed to fail interrupted item %s: %w", item.ID, err)
			}
			w.broadcastProgress(ctx, jobID)
			continue
		default:
			// Already completed or failed on a previous delivery.
			continue
		}

		// Hard timeout or forced kill: leave the job processing with partial
		// counts for a later reconciliation pass.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Cancellation checkpoint, once per item boundary.
		cur, err := w.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to re-check job %s: %w", jobID, err)
		}
		if cur.Status == model.JobStatusCancelled {
			log.Printf("Batch job %s cancelled after %d of %d items", jobID, cur.ItemsProcessed, cur.TotalItems)
			w.hub.BroadcastComplete(jobID, model.JobStatusCancelled)
			return nil
		}

		if err := w.store.MarkItemProcessing(ctx, jobID, item.ID); err != nil {
			return fmt.Errorf("failed to mark item %s processing: %w", item.ID, err)
		}

		start := time.Now()
		result, procErr := w.processor.Process(ctx, processor.Input{
			JobID:    jobID,
			ItemID:   item.ID,
			InputRef: item.InputRef,
			Options:  job.Options,
		})
		took := time.Since(start)

		// One bad scan must not sink the batch: failures are recorded on the
		// item and the loop continues.
		if procErr != nil {
			log.Printf("Item %s of job %s failed: %v", item.ID, jobID, procErr)
			if err := w.store.FailItem(ctx, jobID, item.ID, procErr.Error()); err != nil {
				return fmt.Errorf("failed to record item failure: %w", err)
			}
		} else {
			if err := w.store.CompleteItem(ctx, jobID, item.ID, result.ResultRef, took); err != nil {
				return fmt.Errorf("failed to record item result: %w", err)
			}
		}

		w.broadcastProgress(ctx, jobID)
	}

	final, errMsg, err := w.finalize(ctx, jobID)
	if err != nil {
		return err
	}
	log.Printf("Batch job %s finished with status %s", jobID, final)
	if final == model.JobStatusFailed {
		w.hub.BroadcastError(jobID, "batch_failed", errMsg)
	}
	w.hub.BroadcastComplete(jobID, final)
	return nil
}

// finalize computes and persists the terminal status from the counters.
func (w *BatchWorker) finalize(ctx context.Context, jobID string) (model.JobStatus, string, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load job %s for finalize: %w", jobID, err)
	}
	if job.Status == model.JobStatusCancelled {
		// Cancel landed after the last item; the flag wins.
		return model.JobStatusCancelled, "", nil
	}

	var final model.JobStatus
	var errMsg string
	switch {
	case job.ItemsFailed == 0:
		final = model.JobStatusCompleted
	case job.ItemsSuccessful == 0:
		final = model.JobStatusFailed
		errMsg = "all items failed"
	default:
		final = model.JobStatusPartial
	}

	if err := w.store.SetJobStatus(ctx, jobID, final, errMsg); err != nil {
		if errors.Is(err, store.ErrJobCancelled) {
			// Cancel slipped in between the counter read and this write.
			return model.JobStatusCancelled, "", nil
		}
		return "", "", fmt.Errorf("failed to set final status for job %s: %w", jobID, err)
	}
	return final, errMsg, nil
}

func (w *BatchWorker) broadcastProgress(ctx context.Context, jobID string) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("Failed to load job %s for progress broadcast: %v", jobID, err)
		return
	}
	w.hub.BroadcastProgress(job)
}

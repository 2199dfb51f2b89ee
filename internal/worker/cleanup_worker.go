package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clinisight/api/internal/client"
	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/queue"
	"github.com/clinisight/api/internal/store"
)

// DefaultRetentionDays applies when a cleanup task carries no retention.
const DefaultRetentionDays = 30

// CleanupWorker sweeps terminal jobs past the retention window, deleting
// the job, its items and any artifacts they reference. Pending and
// processing jobs are never touched regardless of age; a stuck job is a
// monitoring concern, not a cleanup target.
type CleanupWorker struct {
	store   store.Store
	storage client.StorageClient // nil skips artifact deletion
}

// NewCleanupWorker creates a cleanup worker.
func NewCleanupWorker(st store.Store, storage client.StorageClient) *CleanupWorker {
	return &CleanupWorker{
		store:   st,
		storage: storage,
	}
}

// ProcessTask handles one batch:cleanup delivery.
func (w *CleanupWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.CleanupTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	retention := payload.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}

	jobs, items, err := w.Sweep(ctx, retention)
	if err != nil {
		return err
	}
	log.Printf("Cleanup removed %d jobs and %d items (retention %d days)", jobs, items, retention)
	return nil
}

// Sweep deletes eligible jobs and returns the number of jobs and items
// removed.
func (w *CleanupWorker) Sweep(ctx context.Context, retentionDays int) (int, int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	jobs, err := w.store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{
			model.JobStatusCompleted,
			model.JobStatusFailed,
			model.JobStatusCancelled,
		},
		CompletedBefore: &cutoff,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	var jobsRemoved, itemsRemoved int
	for _, job := range jobs {
		items, err := w.store.ListItems(ctx, job.ID)
		if err != nil {
			log.Printf("Failed to list items for job %s during cleanup: %v", job.ID, err)
			continue
		}

		for _, item := range items {
			w.deleteArtifact(ctx, item.InputRef)
			w.deleteArtifact(ctx, item.ResultRef)
		}

		if err := w.store.DeleteJob(ctx, job.ID); err != nil {
			log.Printf("Failed to delete job %s during cleanup: %v", job.ID, err)
			continue
		}
		jobsRemoved++
		itemsRemoved += len(items)
	}
	return jobsRemoved, itemsRemoved, nil
}

func (w *CleanupWorker) deleteArtifact(ctx context.Context, ref string) {
	if w.storage == nil || ref == "" {
		return
	}
	if err := w.storage.Delete(ctx, ref); err != nil {
		log.Printf("Failed to delete artifact %s: %v", ref, err)
	}
}

package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clinisight/api/internal/client"
	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/queue"
	"github.com/clinisight/api/internal/store"
)

// resultURLTTL bounds how long a shared result download link stays valid.
const resultURLTTL = 15 * time.Minute

// BatchService owns the batch job lifecycle: submission, state queries,
// retry and cancellation. Item execution itself happens in the worker.
type BatchService struct {
	store        store.Store
	queue        queue.Queue
	storage      client.StorageClient // nil disables result downloads
	maxBatchSize int
}

func NewBatchService(st store.Store, q queue.Queue, storage client.StorageClient, maxBatchSize int) *BatchService {
	return &BatchService{
		store:        st,
		queue:        q,
		storage:      storage,
		maxBatchSize: maxBatchSize,
	}
}

// Create validates the submission, persists the job with all items pending
// and enqueues a processing task.
func (s *BatchService) Create(ctx context.Context, owner string, req *model.BatchCreateRequest) (*model.BatchCreateResponse, error) {
	n := len(req.Items)
	if n < 1 {
		return nil, &ValidationError{Message: "batch must contain at least one item"}
	}
	if n > s.maxBatchSize {
		return nil, &ValidationError{Message: fmt.Sprintf("batch exceeds maximum of %d items", s.maxBatchSize)}
	}
	for i, in := range req.Items {
		if in.InputRef == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("item %d has an empty input ref", i)}
		}
	}

	now := time.Now()
	job := &model.Job{
		ID:         uuid.New().String(),
		Owner:      owner,
		Status:     model.JobStatusPending,
		TotalItems: n,
		Options:    req.Options,
		CreatedAt:  now,
	}

	items := make([]*model.Item, n)
	for i, in := range req.Items {
		items[i] = &model.Item{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Order:     i,
			Status:    model.ItemStatusPending,
			InputRef:  in.InputRef,
			CreatedAt: now,
		}
	}

	if err := s.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	taskRef, err := s.queue.Enqueue(ctx, job.ID)
	if err != nil {
		// Broker down: fail the submission loudly rather than leaving an
		// orphaned pending job behind.
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			log.Printf("Failed to delete job %s after enqueue error: %v", job.ID, delErr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if err := s.store.SetTaskRef(ctx, job.ID, taskRef); err != nil {
		log.Printf("Failed to record task ref for job %s: %v", job.ID, err)
	}

	return &model.BatchCreateResponse{
		JobID:      job.ID,
		Status:     job.Status,
		TotalItems: job.TotalItems,
		CreatedAt:  job.CreatedAt,
	}, nil
}

// Get returns the job with its full item list.
func (s *BatchService) Get(ctx context.Context, jobID, requester string, admin bool) (*model.BatchDetailResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(job, requester, admin); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.BatchDetailResponse{Job: job, Items: items}, nil
}

// List returns jobs matching the filter, newest first.
func (s *BatchService) List(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	return s.store.ListJobs(ctx, f)
}

func authorize(job *model.Job, requester string, admin bool) error {
	if admin || job.Owner == requester {
		return nil
	}
	return ErrForbidden
}

// Progress is the lightweight polling read. Pure read, no side effects, safe
// to poll at high frequency.
func (s *BatchService) Progress(ctx context.Context, jobID, requester string, admin bool) (*model.BatchProgressResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(job, requester, admin); err != nil {
		return nil, err
	}
	return &model.BatchProgressResponse{
		JobID:           job.ID,
		Status:          job.Status,
		Percentage:      job.Percentage(),
		ItemsProcessed:  job.ItemsProcessed,
		ItemsSuccessful: job.ItemsSuccessful,
		ItemsFailed:     job.ItemsFailed,
	}, nil
}

// ResultURL signs a short-lived download link for one completed item's
// result artifact.
func (s *BatchService) ResultURL(ctx context.Context, jobID, itemID, requester string, admin bool) (*model.ItemResultResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(job, requester, admin); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var item *model.Item
	for _, it := range items {
		if it.ID == itemID {
			item = it
			break
		}
	}
	if item == nil {
		return nil, store.ErrItemNotFound
	}
	if item.Status != model.ItemStatusCompleted {
		return nil, fmt.Errorf("no result for item in status %s: %w", item.Status, ErrInvalidState)
	}
	if s.storage == nil {
		return nil, fmt.Errorf("artifact storage is not configured")
	}

	url, err := s.storage.GetSignedURL(ctx, item.ResultRef, resultURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign result url: %w", err)
	}
	return &model.ItemResultResponse{
		ItemID:    itemID,
		URL:       url,
		ExpiresIn: int(resultURLTTL.Seconds()),
	}, nil
}

// Retry re-arms every failed item and re-enqueues the job. Permitted only
// from failed or partial; completed items keep their results.
func (s *BatchService) Retry(ctx context.Context, jobID, requester string, admin bool) (*model.BatchRetryResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(job, requester, admin); err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusPartial {
		return nil, fmt.Errorf("cannot retry job in status %s: %w", job.Status, ErrInvalidState)
	}

	rearmed, err := s.store.ResetFailedItems(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset items: %w", err)
	}
	if err := s.store.SetJobStatus(ctx, jobID, model.JobStatusPending, ""); err != nil {
		return nil, err
	}

	taskRef, err := s.queue.Enqueue(ctx, jobID)
	if err != nil {
		// Broker down: put the job back into its retryable status instead of
		// stranding it pending with no task ever enqueued.
		prevMsg := ""
		if job.Error != nil {
			prevMsg = *job.Error
		}
		if restoreErr := s.store.SetJobStatus(ctx, jobID, job.Status, prevMsg); restoreErr != nil {
			log.Printf("Failed to restore job %s to %s after enqueue error: %v", jobID, job.Status, restoreErr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if err := s.store.SetTaskRef(ctx, jobID, taskRef); err != nil {
		log.Printf("Failed to record task ref for job %s: %v", jobID, err)
	}

	return &model.BatchRetryResponse{
		JobID:        jobID,
		Status:       model.JobStatusPending,
		ItemsRearmed: rearmed,
	}, nil
}

// Cancel marks the job cancelled and revokes its broker task. Cancellation
// is cooperative: an item already mid-processing finishes and is counted;
// the worker stops at the next item boundary. Cancelling an already-terminal
// job is an idempotent no-op.
func (s *BatchService) Cancel(ctx context.Context, jobID, requester string, admin bool) (*model.BatchCancelResponse, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := authorize(job, requester, admin); err != nil {
		return nil, err
	}

	if job.Terminal() {
		return &model.BatchCancelResponse{
			Success: true,
			JobID:   jobID,
			Status:  job.Status,
		}, nil
	}

	if err := s.store.SetJobStatus(ctx, jobID, model.JobStatusCancelled, ""); err != nil {
		return nil, err
	}

	if err := s.queue.Revoke(ctx, job.TaskRef); err != nil {
		// The store flag is authoritative; a failed revoke only means the
		// worker will observe the flag at its next checkpoint.
		log.Printf("Failed to revoke task %s for job %s: %v", job.TaskRef, jobID, err)
	}

	return &model.BatchCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}

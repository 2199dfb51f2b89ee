// Package store persists jobs and their items. It exposes plain CRUD plus
// atomic counter updates; state-transition rules live in the service layer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clinisight/api/internal/model"
)

var (
	// ErrJobNotFound is returned when no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrItemNotFound is returned when no item exists for the given id.
	ErrItemNotFound = errors.New("item not found")
	// ErrJobCancelled is returned when a status write would take a cancelled
	// job out of the cancelled state.
	ErrJobCancelled = errors.New("job is cancelled")
)

// JobFilter narrows ListJobs results. The zero value matches every job.
type JobFilter struct {
	Owner           string
	Status          model.JobStatus
	Statuses        []model.JobStatus
	CompletedBefore *time.Time
}

func (f JobFilter) matchStatus(s model.JobStatus) bool {
	if f.Status != "" && s != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s == st {
				return true
			}
		}
		return false
	}
	return true
}

// Match reports whether the job satisfies the filter.
func (f JobFilter) Match(j *model.Job) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if !f.matchStatus(j.Status) {
		return false
	}
	if f.CompletedBefore != nil {
		if j.CompletedAt == nil || !j.CompletedAt.Before(*f.CompletedBefore) {
			return false
		}
	}
	return true
}

// Store is the persistence port for jobs and items.
//
// CompleteItem and FailItem update the item row and the job counters in one
// atomic step so that concurrent progress readers never observe
// items_processed out of sync with items_successful + items_failed.
type Store interface {
	// CreateJob persists the job and all of its items atomically.
	CreateJob(ctx context.Context, job *model.Job, items []*model.Item) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs returns matching jobs ordered by created_at descending.
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
	// ListItems returns the job's items in batch order.
	ListItems(ctx context.Context, jobID string) ([]*model.Item, error)

	// MarkJobStarted transitions a pending job to processing and stamps
	// started_at. It is idempotent: a job already processing (broker
	// redelivery) or already terminal is returned unchanged.
	MarkJobStarted(ctx context.Context, id string) (*model.Job, error)
	// SetJobStatus updates the job status, stamping completed_at when the
	// status is terminal. errMsg is recorded as the job-level error when
	// non-empty. Cancellation is sticky: writing any other status over a
	// cancelled job returns ErrJobCancelled, so a cancel racing the worker's
	// final status write always wins.
	SetJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error
	// SetTaskRef records the broker task id of the in-flight delivery.
	SetTaskRef(ctx context.Context, id, taskRef string) error

	MarkItemProcessing(ctx context.Context, jobID, itemID string) error
	// CompleteItem records the result and increments items_successful and
	// items_processed atomically.
	CompleteItem(ctx context.Context, jobID, itemID, resultRef string, took time.Duration) error
	// FailItem records the error and increments items_failed and
	// items_processed atomically.
	FailItem(ctx context.Context, jobID, itemID, reason string) error

	// ResetFailedItems re-arms every failed item back to pending, zeroes
	// items_failed and recomputes items_processed from items_successful.
	// Returns the number of items re-armed.
	ResetFailedItems(ctx context.Context, jobID string) (int, error)

	// DeleteJob removes the job and all of its items.
	DeleteJob(ctx context.Context, id string) error
}

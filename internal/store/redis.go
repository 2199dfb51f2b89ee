package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinisight/api/internal/model"
)

// Redis implements Store on top of a Redis instance. Jobs and items are
// stored as hashes; owner/status/created indexes are sorted sets scored by
// creation time. Every mutation that touches an item row and the job
// counters runs inside MULTI/EXEC so readers never see a torn sum.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func jobKey(id string) string             { return fmt.Sprintf("batch:job:%s", id) }
func itemListKey(jobID string) string     { return fmt.Sprintf("batch:job:%s:items", jobID) }
func itemKey(jobID, itemID string) string { return fmt.Sprintf("batch:job:%s:item:%s", jobID, itemID) }
func ownerIndexKey(owner string) string   { return fmt.Sprintf("batch:jobs:owner:%s", owner) }

func statusIndexKey(s model.JobStatus) string { return fmt.Sprintf("batch:jobs:status:%s", s) }

const createdIndexKey = "batch:jobs:created"

// maxTxRetries bounds optimistic-lock retries on contended job writes.
const maxTxRetries = 3

func (r *Redis) CreateJob(ctx context.Context, job *model.Job, items []*model.Item) error {
	optBytes, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	score := float64(job.CreatedAt.UnixNano())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
			"owner":            job.Owner,
			"status":           string(job.Status),
			"total_items":      job.TotalItems,
			"items_processed":  job.ItemsProcessed,
			"items_successful": job.ItemsSuccessful,
			"items_failed":     job.ItemsFailed,
			"options":          optBytes,
			"created_at":       job.CreatedAt.Format(time.RFC3339Nano),
		})
		for _, item := range items {
			pipe.RPush(ctx, itemListKey(job.ID), item.ID)
			pipe.HSet(ctx, itemKey(job.ID, item.ID), map[string]interface{}{
				"order":      item.Order,
				"status":     string(item.Status),
				"input_ref":  item.InputRef,
				"created_at": item.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, ownerIndexKey(job.Owner), redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, statusIndexKey(job.Status), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (r *Redis) GetJob(ctx context.Context, id string) (*model.Job, error) {
	fields, err := r.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(id, fields)
}

func (r *Redis) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	index := createdIndexKey
	switch {
	case f.Status != "":
		index = statusIndexKey(f.Status)
	case f.Owner != "":
		index = ownerIndexKey(f.Owner)
	}

	ids, err := r.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err == ErrJobNotFound {
			continue // index entry racing a delete
		}
		if err != nil {
			return nil, err
		}
		if f.Match(job) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (r *Redis) ListItems(ctx context.Context, jobID string) ([]*model.Item, error) {
	ids, err := r.client.LRange(ctx, itemListKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if exists, err := r.client.Exists(ctx, jobKey(jobID)).Result(); err != nil {
			return nil, err
		} else if exists == 0 {
			return nil, ErrJobNotFound
		}
	}

	items := make([]*model.Item, 0, len(ids))
	for _, itemID := range ids {
		fields, err := r.client.HGetAll(ctx, itemKey(jobID, itemID)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, ErrItemNotFound
		}
		item, err := parseItem(jobID, itemID, fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Redis) MarkJobStarted(ctx context.Context, id string) (*model.Job, error) {
	// WATCH guards the claim: a cancel landing between the status read and
	// the processing write aborts the transaction instead of being stomped.
	var job *model.Job
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, jobKey(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrJobNotFound
		}
		if job, err = parseJob(id, fields); err != nil {
			return err
		}
		if job.Status != model.JobStatusPending {
			// Already claimed, or cancelled before the first delivery.
			return nil
		}

		now := time.Now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(id),
				"status", string(model.JobStatusProcessing),
				"started_at", now.Format(time.RFC3339Nano),
			)
			r.moveStatusIndex(ctx, pipe, id, job, model.JobStatusProcessing)
			return nil
		})
		if err != nil {
			return err
		}
		job.Status = model.JobStatusProcessing
		job.StartedAt = &now
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, jobKey(id))
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, redis.TxFailedErr
}

func (r *Redis) SetJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, jobKey(id)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrJobNotFound
		}
		job, err := parseJob(id, fields)
		if err != nil {
			return err
		}
		if job.Status == model.JobStatusCancelled && status != model.JobStatusCancelled {
			return ErrJobCancelled
		}

		hset := []interface{}{"status", string(status)}
		if errMsg != "" {
			hset = append(hset, "error", errMsg)
		}
		if (&model.Job{Status: status}).Terminal() {
			if job.CompletedAt == nil {
				hset = append(hset, "completed_at", time.Now().Format(time.RFC3339Nano))
			}
		} else {
			// Re-armed for another run (retry): the old outcome no longer applies.
			hset = append(hset, "completed_at", "", "error", "")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(id), hset...)
			r.moveStatusIndex(ctx, pipe, id, job, status)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, jobKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (r *Redis) SetTaskRef(ctx context.Context, id, taskRef string) error {
	return r.client.HSet(ctx, jobKey(id), "task_ref", taskRef).Err()
}

func (r *Redis) MarkItemProcessing(ctx context.Context, jobID, itemID string) error {
	return r.client.HSet(ctx, itemKey(jobID, itemID), "status", string(model.ItemStatusProcessing)).Err()
}

func (r *Redis) CompleteItem(ctx context.Context, jobID, itemID, resultRef string, took time.Duration) error {
	now := time.Now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKey(jobID, itemID),
			"status", string(model.ItemStatusCompleted),
			"result_ref", resultRef,
			"error", "",
			"processing_ms", took.Milliseconds(),
			"processed_at", now.Format(time.RFC3339Nano),
		)
		pipe.HIncrBy(ctx, jobKey(jobID), "items_successful", 1)
		pipe.HIncrBy(ctx, jobKey(jobID), "items_processed", 1)
		return nil
	})
	return err
}

func (r *Redis) FailItem(ctx context.Context, jobID, itemID, reason string) error {
	now := time.Now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKey(jobID, itemID),
			"status", string(model.ItemStatusFailed),
			"error", reason,
			"processed_at", now.Format(time.RFC3339Nano),
		)
		pipe.HIncrBy(ctx, jobKey(jobID), "items_failed", 1)
		pipe.HIncrBy(ctx, jobKey(jobID), "items_processed", 1)
		return nil
	})
	return err
}

func (r *Redis) ResetFailedItems(ctx context.Context, jobID string) (int, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	items, err := r.ListItems(ctx, jobID)
	if err != nil {
		return 0, err
	}

	var failed []*model.Item
	for _, item := range items {
		if item.Status == model.ItemStatusFailed {
			failed = append(failed, item)
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range failed {
			pipe.HSet(ctx, itemKey(jobID, item.ID),
				"status", string(model.ItemStatusPending),
				"error", "",
				"result_ref", "",
				"processing_ms", 0,
				"processed_at", "",
			)
		}
		pipe.HSet(ctx, jobKey(jobID),
			"items_failed", 0,
			"items_processed", job.ItemsSuccessful,
		)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(failed), nil
}

func (r *Redis) DeleteJob(ctx context.Context, id string) error {
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	itemIDs, err := r.client.LRange(ctx, itemListKey(id), 0, -1).Result()
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, itemID := range itemIDs {
			pipe.Del(ctx, itemKey(id, itemID))
		}
		pipe.Del(ctx, itemListKey(id))
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, createdIndexKey, id)
		pipe.ZRem(ctx, ownerIndexKey(job.Owner), id)
		pipe.ZRem(ctx, statusIndexKey(job.Status), id)
		return nil
	})
	return err
}

// moveStatusIndex re-files the job id under the new status index.
func (r *Redis) moveStatusIndex(ctx context.Context, pipe redis.Pipeliner, id string, job *model.Job, to model.JobStatus) {
	if job.Status == to {
		return
	}
	pipe.ZRem(ctx, statusIndexKey(job.Status), id)
	pipe.ZAdd(ctx, statusIndexKey(to), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: id})
}

func parseJob(id string, fields map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:      id,
		Owner:   fields["owner"],
		Status:  model.JobStatus(fields["status"]),
		TaskRef: fields["task_ref"],
	}

	var err error
	if job.TotalItems, err = atoi(fields["total_items"]); err != nil {
		return nil, err
	}
	if job.ItemsProcessed, err = atoi(fields["items_processed"]); err != nil {
		return nil, err
	}
	if job.ItemsSuccessful, err = atoi(fields["items_successful"]); err != nil {
		return nil, err
	}
	if job.ItemsFailed, err = atoi(fields["items_failed"]); err != nil {
		return nil, err
	}

	if raw := fields["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if msg := fields["error"]; msg != "" {
		job.Error = &msg
	}

	if job.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseTimePtr(fields["started_at"]); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseTimePtr(fields["completed_at"]); err != nil {
		return nil, err
	}
	return job, nil
}

func parseItem(jobID, itemID string, fields map[string]string) (*model.Item, error) {
	item := &model.Item{
		ID:        itemID,
		JobID:     jobID,
		Status:    model.ItemStatus(fields["status"]),
		InputRef:  fields["input_ref"],
		ResultRef: fields["result_ref"],
	}

	var err error
	if item.Order, err = atoi(fields["order"]); err != nil {
		return nil, err
	}
	if ms := fields["processing_ms"]; ms != "" {
		if item.ProcessingMS, err = strconv.ParseInt(ms, 10, 64); err != nil {
			return nil, fmt.Errorf("bad processing_ms for item %s: %w", itemID, err)
		}
	}
	if msg := fields["error"]; msg != "" {
		item.Error = &msg
	}

	if item.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if item.ProcessedAt, err = parseTimePtr(fields["processed_at"]); err != nil {
		return nil, err
	}
	return item, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

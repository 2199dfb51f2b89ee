package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinisight/api/internal/model"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local
// development without a Redis instance.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*model.Job
	items map[string][]*model.Item // jobID -> items in batch order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*model.Job),
		items: make(map[string][]*model.Item),
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *model.Job, items []*model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	m.jobs[job.ID] = &j

	copied := make([]*model.Item, len(items))
	for i, it := range items {
		c := *it
		copied[i] = &c
	}
	sort.Slice(copied, func(a, b int) bool { return copied[a].Order < copied[b].Order })
	m.items[job.ID] = copied
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	j := *job
	return &j, nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Job
	for _, job := range m.jobs {
		if f.Match(job) {
			j := *job
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *Memory) ListItems(ctx context.Context, jobID string) ([]*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items, ok := m.items[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := make([]*model.Item, len(items))
	for i, it := range items {
		c := *it
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) MarkJobStarted(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status == model.JobStatusPending {
		job.Status = model.JobStatusProcessing
		now := time.Now()
		job.StartedAt = &now
	}
	j := *job
	return &j, nil
}

func (m *Memory) SetJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == model.JobStatusCancelled && status != model.JobStatusCancelled {
		return ErrJobCancelled
	}
	job.Status = status
	if errMsg != "" {
		msg := errMsg
		job.Error = &msg
	}
	if job.Terminal() {
		if job.CompletedAt == nil {
			now := time.Now()
			job.CompletedAt = &now
		}
	} else {
		// Re-armed for another run (retry): the old outcome no longer applies.
		job.CompletedAt = nil
		job.Error = nil
	}
	return nil
}

func (m *Memory) SetTaskRef(ctx context.Context, id, taskRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.TaskRef = taskRef
	return nil
}

func (m *Memory) MarkItemProcessing(ctx context.Context, jobID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.itemLocked(jobID, itemID)
	if err != nil {
		return err
	}
	item.Status = model.ItemStatusProcessing
	return nil
}

func (m *Memory) CompleteItem(ctx context.Context, jobID, itemID, resultRef string, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	item, err := m.itemLocked(jobID, itemID)
	if err != nil {
		return err
	}

	now := time.Now()
	item.Status = model.ItemStatusCompleted
	item.ResultRef = resultRef
	item.Error = nil
	item.ProcessingMS = took.Milliseconds()
	item.ProcessedAt = &now

	job.ItemsSuccessful++
	job.ItemsProcessed++
	return nil
}

func (m *Memory) FailItem(ctx context.Context, jobID, itemID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	item, err := m.itemLocked(jobID, itemID)
	if err != nil {
		return err
	}

	now := time.Now()
	item.Status = model.ItemStatusFailed
	item.Error = &reason
	item.ProcessedAt = &now

	job.ItemsFailed++
	job.ItemsProcessed++
	return nil
}

func (m *Memory) ResetFailedItems(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}

	var rearmed int
	for _, item := range m.items[jobID] {
		if item.Status != model.ItemStatusFailed {
			continue
		}
		item.Status = model.ItemStatusPending
		item.Error = nil
		item.ResultRef = ""
		item.ProcessingMS = 0
		item.ProcessedAt = nil
		rearmed++
	}

	job.ItemsFailed = 0
	job.ItemsProcessed = job.ItemsSuccessful
	return rearmed, nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.items, id)
	return nil
}

func (m *Memory) itemLocked(jobID, itemID string) (*model.Item, error) {
	items, ok := m.items[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return nil, ErrItemNotFound
}

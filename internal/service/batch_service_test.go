package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/store"
)

// fakeQueue records enqueues and revocations.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []string
	revoked    []string
	enqueueErr error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.enqueued = append(q.enqueued, jobID)
	return fmt.Sprintf("task-%d", len(q.enqueued)), nil
}

func (q *fakeQueue) Revoke(ctx context.Context, taskRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, taskRef)
	return nil
}

// fakeSigner hands out deterministic download links.
type fakeSigner struct{}

func (fakeSigner) Delete(ctx context.Context, key string) error { return nil }

func (fakeSigner) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

const maxBatchSize = 50

func newService() (*BatchService, *store.Memory, *fakeQueue) {
	st := store.NewMemory()
	q := &fakeQueue{}
	return NewBatchService(st, q, fakeSigner{}, maxBatchSize), st, q
}

func batchRequest(n int) *model.BatchCreateRequest {
	req := &model.BatchCreateRequest{
		Options: model.BatchOptions{ApplyPreprocessing: true, Modality: model.ModalityXRay},
	}
	for i := 0; i < n; i++ {
		req.Items = append(req.Items, model.BatchItemInput{
			InputRef: fmt.Sprintf("scans/upload-%d.dcm", i),
		})
	}
	return req
}

func TestCreateBatch(t *testing.T) {
	svc, st, q := newService()
	ctx := context.Background()

	resp, err := svc.Create(ctx, "alice", batchRequest(3))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if resp.Status != model.JobStatusPending || resp.TotalItems != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.JobID == "" {
		t.Fatal("expected a job id")
	}

	job, err := st.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Owner != "alice" || job.TaskRef != "task-1" {
		t.Errorf("unexpected job: %+v", job)
	}
	if !job.Options.ApplyPreprocessing {
		t.Error("options not persisted")
	}

	items, _ := st.ListItems(ctx, resp.JobID)
	for i, item := range items {
		if item.Order != i || item.Status != model.ItemStatusPending {
			t.Errorf("item %d: %+v", i, item)
		}
	}

	if len(q.enqueued) != 1 || q.enqueued[0] != resp.JobID {
		t.Errorf("expected one enqueue for the job, got %v", q.enqueued)
	}
}

func TestCreateBatchBoundaries(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	var verr *ValidationError

	if _, err := svc.Create(ctx, "alice", batchRequest(0)); !errors.As(err, &verr) {
		t.Errorf("empty batch: expected ValidationError, got %v", err)
	}
	if _, err := svc.Create(ctx, "alice", batchRequest(maxBatchSize)); err != nil {
		t.Errorf("batch of exactly %d should succeed: %v", maxBatchSize, err)
	}
	if _, err := svc.Create(ctx, "alice", batchRequest(maxBatchSize+1)); !errors.As(err, &verr) {
		t.Errorf("oversized batch: expected ValidationError, got %v", err)
	}

	req := batchRequest(2)
	req.Items[1].InputRef = ""
	if _, err := svc.Create(ctx, "alice", req); !errors.As(err, &verr) {
		t.Errorf("empty input ref: expected ValidationError, got %v", err)
	}
}

func TestCreateBatchBrokerDown(t *testing.T) {
	svc, st, q := newService()
	q.enqueueErr = errors.New("connection refused")
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", batchRequest(2))
	if err == nil {
		t.Fatal("expected submission to fail loudly when the broker is down")
	}

	// No orphaned pending job is left behind.
	jobs, _ := st.ListJobs(ctx, store.JobFilter{})
	if len(jobs) != 0 {
		t.Errorf("expected no jobs after failed enqueue, got %d", len(jobs))
	}
}

func TestProgress(t *testing.T) {
	svc, st, _ := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(4))
	items, _ := st.ListItems(ctx, resp.JobID)
	st.CompleteItem(ctx, resp.JobID, items[0].ID, "results/0.json", time.Millisecond)

	prog, err := svc.Progress(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if prog.Percentage != 25 || prog.ItemsProcessed != 1 || prog.ItemsSuccessful != 1 {
		t.Errorf("unexpected progress: %+v", prog)
	}

	// Owner scoping: another user cannot poll someone else's job.
	if _, err := svc.Progress(ctx, resp.JobID, "mallory", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	// Admins can.
	if _, err := svc.Progress(ctx, resp.JobID, "root", true); err != nil {
		t.Errorf("admin should see any job: %v", err)
	}
}

func TestRetryOnlyFromFailedOrPartial(t *testing.T) {
	svc, st, _ := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(2))

	for _, status := range []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusProcessing,
		model.JobStatusCompleted,
		model.JobStatusCancelled,
	} {
		st.SetJobStatus(ctx, resp.JobID, status, "")
		if _, err := svc.Retry(ctx, resp.JobID, "alice", false); !errors.Is(err, ErrInvalidState) {
			t.Errorf("retry from %s: expected ErrInvalidState, got %v", status, err)
		}
	}
}

func TestRetryRearmsOnlyFailedItems(t *testing.T) {
	svc, st, q := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(3))
	jobID := resp.JobID
	items, _ := st.ListItems(ctx, jobID)

	st.MarkJobStarted(ctx, jobID)
	st.CompleteItem(ctx, jobID, items[0].ID, "results/keep-me.json", time.Millisecond)
	st.FailItem(ctx, jobID, items[1].ID, "timeout")
	st.FailItem(ctx, jobID, items[2].ID, "timeout")
	st.SetJobStatus(ctx, jobID, model.JobStatusPartial, "")

	retry, err := svc.Retry(ctx, jobID, "alice", false)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retry.ItemsRearmed != 2 || retry.Status != model.JobStatusPending {
		t.Errorf("unexpected retry response: %+v", retry)
	}

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != model.JobStatusPending {
		t.Errorf("expected pending after retry, got %s", job.Status)
	}
	if job.ItemsFailed != 0 || job.ItemsProcessed != 1 || job.ItemsSuccessful != 1 {
		t.Errorf("unexpected counters after retry: %+v", job)
	}
	if job.TaskRef != "task-2" {
		t.Errorf("expected a fresh task ref, got %s", job.TaskRef)
	}
	if len(q.enqueued) != 2 {
		t.Errorf("expected re-enqueue, got %v", q.enqueued)
	}

	// The completed item keeps its result untouched.
	items, _ = st.ListItems(ctx, jobID)
	if items[0].Status != model.ItemStatusCompleted || items[0].ResultRef != "results/keep-me.json" {
		t.Errorf("completed item was touched by retry: %+v", items[0])
	}
	for _, item := range items[1:] {
		if item.Status != model.ItemStatusPending {
			t.Errorf("failed item not re-armed: %+v", item)
		}
	}
}

func TestRetryBrokerDownLeavesJobRetryable(t *testing.T) {
	svc, st, q := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(2))
	jobID := resp.JobID
	items, _ := st.ListItems(ctx, jobID)
	st.CompleteItem(ctx, jobID, items[0].ID, "results/0.json", time.Millisecond)
	st.FailItem(ctx, jobID, items[1].ID, "timeout")
	st.SetJobStatus(ctx, jobID, model.JobStatusPartial, "")

	q.enqueueErr = errors.New("connection refused")
	if _, err := svc.Retry(ctx, jobID, "alice", false); err == nil {
		t.Fatal("expected retry to fail when the broker is down")
	}

	// The job must not be stranded pending with no task enqueued.
	job, _ := st.GetJob(ctx, jobID)
	if job.Status != model.JobStatusPartial {
		t.Fatalf("expected job restored to partial, got %s", job.Status)
	}

	// Broker back: the retry goes through.
	q.enqueueErr = nil
	retry, err := svc.Retry(ctx, jobID, "alice", false)
	if err != nil {
		t.Fatalf("second Retry failed: %v", err)
	}
	if retry.Status != model.JobStatusPending {
		t.Errorf("unexpected retry response: %+v", retry)
	}
	if len(q.enqueued) != 2 {
		t.Errorf("expected the job re-enqueued, got %v", q.enqueued)
	}
}

func TestResultURL(t *testing.T) {
	svc, st, _ := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(2))
	jobID := resp.JobID
	items, _ := st.ListItems(ctx, jobID)
	st.CompleteItem(ctx, jobID, items[0].ID, "results/0.json", time.Millisecond)

	res, err := svc.ResultURL(ctx, jobID, items[0].ID, "alice", false)
	if err != nil {
		t.Fatalf("ResultURL failed: %v", err)
	}
	if res.URL != "https://signed.example.com/results/0.json" {
		t.Errorf("unexpected url: %s", res.URL)
	}
	if res.ExpiresIn <= 0 {
		t.Errorf("expected a positive expiry, got %d", res.ExpiresIn)
	}

	// No result to share while the item is still pending.
	if _, err := svc.ResultURL(ctx, jobID, items[1].ID, "alice", false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pending item: expected ErrInvalidState, got %v", err)
	}
	if _, err := svc.ResultURL(ctx, jobID, "no-such-item", "alice", false); !errors.Is(err, store.ErrItemNotFound) {
		t.Errorf("unknown item: expected ErrItemNotFound, got %v", err)
	}
	if _, err := svc.ResultURL(ctx, jobID, items[0].ID, "mallory", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign requester: expected ErrForbidden, got %v", err)
	}
}

func TestResultURLWithoutStorage(t *testing.T) {
	st := store.NewMemory()
	q := &fakeQueue{}
	svc := NewBatchService(st, q, nil, maxBatchSize)
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(1))
	items, _ := st.ListItems(ctx, resp.JobID)
	st.CompleteItem(ctx, resp.JobID, items[0].ID, "results/0.json", time.Millisecond)

	if _, err := svc.ResultURL(ctx, resp.JobID, items[0].ID, "alice", false); err == nil {
		t.Error("expected an error when no artifact storage is configured")
	}
}

func TestCancelPendingJob(t *testing.T) {
	svc, st, q := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(2))

	cancel, err := svc.Cancel(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !cancel.Success || cancel.Status != model.JobStatusCancelled {
		t.Errorf("unexpected cancel response: %+v", cancel)
	}

	job, _ := st.GetJob(ctx, resp.JobID)
	if job.Status != model.JobStatusCancelled || job.CompletedAt == nil {
		t.Errorf("unexpected job after cancel: %+v", job)
	}
	if len(q.revoked) != 1 || q.revoked[0] != "task-1" {
		t.Errorf("expected broker task revoked, got %v", q.revoked)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, st, q := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(1))

	first, err := svc.Cancel(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("first Cancel failed: %v", err)
	}
	jobAfterFirst, _ := st.GetJob(ctx, resp.JobID)

	second, err := svc.Cancel(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}
	if first.Status != second.Status || !second.Success {
		t.Errorf("cancel not idempotent: %+v vs %+v", first, second)
	}

	jobAfterSecond, _ := st.GetJob(ctx, resp.JobID)
	if !jobAfterFirst.CompletedAt.Equal(*jobAfterSecond.CompletedAt) {
		t.Error("second cancel changed completed_at")
	}
	if len(q.revoked) != 1 {
		t.Errorf("second cancel should not revoke again, got %v", q.revoked)
	}
}

func TestCancelCompletedJobIsNoop(t *testing.T) {
	svc, st, _ := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(1))
	st.SetJobStatus(ctx, resp.JobID, model.JobStatusCompleted, "")

	cancel, err := svc.Cancel(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("Cancel on terminal job failed: %v", err)
	}
	if cancel.Status != model.JobStatusCompleted {
		t.Errorf("terminal status must be preserved, got %s", cancel.Status)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	resp, _ := svc.Create(ctx, "alice", batchRequest(2))

	detail, err := svc.Get(ctx, resp.JobID, "alice", false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(detail.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(detail.Items))
	}

	if _, err := svc.Get(ctx, resp.JobID, "mallory", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, "no-such-job", "alice", false); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

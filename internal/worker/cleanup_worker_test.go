package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clinisight/api/internal/model"
	"github.com/clinisight/api/internal/store"
)

// fakeStorage records deleted artifact keys.
type fakeStorage struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.com/" + key, nil
}

func createJobAged(t *testing.T, st store.Store, id string, status model.JobStatus, age time.Duration) {
	t.Helper()

	created := time.Now().Add(-age)
	job := &model.Job{
		ID:         id,
		Owner:      "alice",
		Status:     status,
		TotalItems: 1,
		CreatedAt:  created,
	}
	if (&model.Job{Status: status}).Terminal() {
		completed := created.Add(time.Minute)
		job.CompletedAt = &completed
	}
	items := []*model.Item{{
		ID:        id + "-item-0",
		JobID:     id,
		Order:     0,
		Status:    model.ItemStatusCompleted,
		InputRef:  "scans/" + id + "/0.dcm",
		ResultRef: "results/" + id + "/0.json",
		CreatedAt: created,
	}}
	if err := st.CreateJob(context.Background(), job, items); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
}

func TestSweepDeletesOnlyExpiredTerminalJobs(t *testing.T) {
	st := store.NewMemory()
	storage := &fakeStorage{}
	w := NewCleanupWorker(st, storage)
	ctx := context.Background()

	createJobAged(t, st, "old-done", model.JobStatusCompleted, 40*24*time.Hour)
	createJobAged(t, st, "old-stuck", model.JobStatusProcessing, 40*24*time.Hour)
	createJobAged(t, st, "fresh-done", model.JobStatusCompleted, 2*24*time.Hour)

	jobs, items, err := w.Sweep(ctx, 30)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if jobs != 1 || items != 1 {
		t.Errorf("expected 1 job / 1 item removed, got %d / %d", jobs, items)
	}

	if _, err := st.GetJob(ctx, "old-done"); err != store.ErrJobNotFound {
		t.Errorf("expired completed job should be gone, got %v", err)
	}
	// A stuck processing job is never a cleanup target, regardless of age.
	if _, err := st.GetJob(ctx, "old-stuck"); err != nil {
		t.Errorf("processing job must survive cleanup: %v", err)
	}
	if _, err := st.GetJob(ctx, "fresh-done"); err != nil {
		t.Errorf("job inside retention must survive cleanup: %v", err)
	}

	// Both artifacts of the deleted item were removed.
	want := map[string]bool{
		"scans/old-done/0.dcm":    true,
		"results/old-done/0.json": true,
	}
	if len(storage.deleted) != 2 {
		t.Fatalf("expected 2 artifact deletes, got %v", storage.deleted)
	}
	for _, key := range storage.deleted {
		if !want[key] {
			t.Errorf("unexpected artifact delete: %s", key)
		}
	}
}

func TestSweepWithoutStorageClient(t *testing.T) {
	st := store.NewMemory()
	w := NewCleanupWorker(st, nil)

	createJobAged(t, st, "old-done", model.JobStatusCancelled, 60*24*time.Hour)

	jobs, _, err := w.Sweep(context.Background(), 30)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if jobs != 1 {
		t.Errorf("expected 1 job removed, got %d", jobs)
	}
}

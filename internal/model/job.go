package model

import "time"

// Job represents one batch submission tracked as a single unit.
type Job struct {
	ID              string       `json:"id"`
	Owner           string       `json:"owner"`
	Status          JobStatus    `json:"status"`
	TotalItems      int          `json:"totalItems"`
	ItemsProcessed  int          `json:"itemsProcessed"`
	ItemsSuccessful int          `json:"itemsSuccessful"`
	ItemsFailed     int          `json:"itemsFailed"`
	Options         BatchOptions `json:"options"`
	Error           *string      `json:"error,omitempty"`
	TaskRef         string       `json:"-"` // in-flight broker task id, used for revocation
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// Item represents one unit of work within a Job.
type Item struct {
	ID           string     `json:"id"`
	JobID        string     `json:"jobId"`
	Order        int        `json:"order"`
	Status       ItemStatus `json:"status"`
	InputRef     string     `json:"inputRef"`
	ResultRef    string     `json:"resultRef,omitempty"`
	Error        *string    `json:"error,omitempty"`
	ProcessingMS int64      `json:"processingMs"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// BatchOptions is the typed configuration blob handed to the item processor.
type BatchOptions struct {
	ApplyPreprocessing bool   `json:"applyPreprocessing"`
	Modality           string `json:"modality,omitempty" validate:"omitempty,oneof=xray ct mri ultrasound"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	}
	return false
}

// Percentage returns integer progress in [0,100].
func (j *Job) Percentage() int {
	if j.TotalItems <= 0 {
		return 0
	}
	pct := j.ItemsProcessed * 100 / j.TotalItems
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

package model

import "time"

// BatchCreateRequest represents the request to submit a batch of scans
type BatchCreateRequest struct {
	Items   []BatchItemInput `json:"items" validate:"required,min=1,dive"`
	Options BatchOptions     `json:"options"`
}

// BatchItemInput references one uploaded scan artifact
type BatchItemInput struct {
	InputRef string `json:"inputRef" validate:"required"`
}

// BatchCreateResponse represents the response when submitting a batch
type BatchCreateResponse struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	TotalItems int       `json:"totalItems"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BatchDetailResponse represents a job with its full item list
type BatchDetailResponse struct {
	Job   *Job    `json:"job"`
	Items []*Item `json:"items"`
}

// BatchListResponse represents a page of jobs
type BatchListResponse struct {
	Jobs []*Job `json:"jobs"`
}

// BatchProgressResponse represents the lightweight polling payload
type BatchProgressResponse struct {
	JobID           string    `json:"jobId"`
	Status          JobStatus `json:"status"`
	Percentage      int       `json:"percentage"`
	ItemsProcessed  int       `json:"itemsProcessed"`
	ItemsSuccessful int       `json:"itemsSuccessful"`
	ItemsFailed     int       `json:"itemsFailed"`
}

// BatchCancelResponse represents the response when cancelling a batch
type BatchCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// ItemResultResponse carries a short-lived download link for one item's result
type ItemResultResponse struct {
	ItemID    string `json:"itemId"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// BatchRetryResponse represents the response when retrying failed items
type BatchRetryResponse struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	ItemsRearmed int       `json:"itemsRearmed"`
}

package model

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPartial    JobStatus = "partial"
	JobStatusCancelled  JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted,
	JobStatusFailed, JobStatusPartial, JobStatusCancelled,
}

// ParseJobStatus returns the status matching s, or "" if unknown.
func ParseJobStatus(s string) JobStatus {
	for _, st := range ValidJobStatuses {
		if string(st) == s {
			return st
		}
	}
	return ""
}

// Item status
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Scan modalities recognized by the processor
const (
	ModalityXRay       = "xray"
	ModalityCT         = "ct"
	ModalityMRI        = "mri"
	ModalityUltrasound = "ultrasound"
)

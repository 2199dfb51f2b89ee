package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a batch progress update
type WSProgressMessage struct {
	Type            string    `json:"type"`
	JobID           string    `json:"jobId"`
	Status          JobStatus `json:"status"`
	Percentage      int       `json:"percentage"`
	ItemsProcessed  int       `json:"itemsProcessed"`
	ItemsSuccessful int       `json:"itemsSuccessful"`
	ItemsFailed     int       `json:"itemsFailed"`
}

// WSCompleteMessage represents a batch reaching a terminal status
type WSCompleteMessage struct {
	Type   string    `json:"type"`
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// WSErrorMessage represents a job-level error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

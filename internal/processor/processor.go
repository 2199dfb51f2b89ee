// Package processor is the port to the per-item analysis step. The real
// model-inference service is an external collaborator; this package defines
// its contract and ships a stub used until that service is wired in.
package processor

import (
	"context"

	"github.com/clinisight/api/internal/model"
)

// Input is one item of work handed to the processor.
type Input struct {
	JobID    string
	ItemID   string
	InputRef string
	Options  model.BatchOptions
}

// Result is the outcome of a successful analysis.
type Result struct {
	ResultRef  string  `json:"resultRef"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Processor analyzes a single scan. A returned error marks the item failed;
// it never fails the batch as a whole.
type Processor interface {
	Process(ctx context.Context, in Input) (*Result, error)
}

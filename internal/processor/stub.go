package processor

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

var stubLabels = []string{
	"no finding",
	"opacity",
	"fracture",
	"mass",
	"effusion",
}

// Stub simulates model inference with pseudo-random findings. Latency is the
// simulated per-item processing time; zero means return immediately.
type Stub struct {
	Latency time.Duration
}

// NewStub creates a stub processor with the given simulated latency.
func NewStub(latency time.Duration) *Stub {
	return &Stub{Latency: latency}
}

func (s *Stub) Process(ctx context.Context, in Input) (*Result, error) {
	if in.InputRef == "" {
		return nil, fmt.Errorf("empty input ref")
	}

	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	return &Result{
		ResultRef:  fmt.Sprintf("results/%s/%s.json", in.JobID, in.ItemID),
		Label:      stubLabels[rand.Intn(len(stubLabels))],
		Confidence: 0.5 + rand.Float64()/2,
	}, nil
}

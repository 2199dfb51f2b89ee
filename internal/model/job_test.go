package model

import "testing"

func TestPercentage(t *testing.T) {
	tests := []struct {
		name      string
		processed int
		total     int
		want      int
	}{
		{"empty job", 0, 10, 0},
		{"halfway", 5, 10, 50},
		{"rounds down", 1, 3, 33},
		{"complete", 10, 10, 100},
		{"zero total is safe", 3, 0, 0},
		{"clamped above", 15, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{ItemsProcessed: tt.processed, TotalItems: tt.total}
			if got := j.Percentage(); got != tt.want {
				t.Errorf("Percentage() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled}
	for _, s := range terminal {
		if !(&Job{Status: s}).Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	active := []JobStatus{JobStatusPending, JobStatusProcessing}
	for _, s := range active {
		if (&Job{Status: s}).Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestParseJobStatus(t *testing.T) {
	if got := ParseJobStatus("partial"); got != JobStatusPartial {
		t.Errorf("ParseJobStatus(partial) = %q", got)
	}
	if got := ParseJobStatus("bogus"); got != "" {
		t.Errorf("expected empty status for unknown input, got %q", got)
	}
}

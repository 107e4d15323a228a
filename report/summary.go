package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
)

// Summary describes one reader run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Transport string    `json:"transport"`
	Mode      string    `json:"mode,omitempty"`
	Delivered uint64    `json:"delivered"`
	Malformed uint64    `json:"malformed"`
	Latency   Latency   `json:"latency_ns"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
}

// NewSummary starts a summary for transport ("shm" or "tcp").
func NewSummary(transport, mode string) *Summary {
	return &Summary{
		RunID:     uuid.NewString(),
		Transport: transport,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the end time and final counts. A non-nil runErr is kept as
// text so the summary still records why the loop ended.
func (s *Summary) Finish(delivered, malformed uint64, lat Latency, runErr error) {
	s.Delivered = delivered
	s.Malformed = malformed
	s.Latency = lat
	s.EndedAt = time.Now().UTC()
	if runErr != nil {
		s.Error = runErr.Error()
	}
}

// Duration is the wall time between start and finish.
func (s *Summary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// JSON encodes the summary.
func (s *Summary) JSON() ([]byte, error) {
	b, err := sonnet.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("report: encode summary: %w", err)
	}
	return b, nil
}

// ParseSummary decodes a summary produced by JSON.
func ParseSummary(b []byte) (*Summary, error) {
	var s Summary
	if err := sonnet.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("report: decode summary: %w", err)
	}
	return &s, nil
}

// String renders the exit report printed by the readers.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total messages received: %d", s.Delivered)
	if s.Malformed > 0 {
		fmt.Fprintf(&b, " (malformed skipped: %d)", s.Malformed)
	}
	if s.Latency.Count > 0 {
		fmt.Fprintf(&b, "\nLatency ns: min=%d mean=%.0f p50<=%d p99<=%d max=%d",
			s.Latency.Min, s.Latency.Mean, s.Latency.P50, s.Latency.P99, s.Latency.Max)
		if s.Latency.Skewed > 0 {
			fmt.Fprintf(&b, " skewed=%d", s.Latency.Skewed)
		}
	}
	return b.String()
}

package ingest

import "time"

// Terminal ingestion outcomes reported to metrics.
const (
	OutcomeAttached    = "attached"
	OutcomeTooLarge    = "too_large"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// Metrics receives ingestion pipeline observations. Implementations must
// be safe for concurrent use. A nil Metrics passed to NewPipeline is
// replaced with a no-op.
type Metrics interface {
	// ObserveIngest records one ingestion reaching a terminal state.
	ObserveIngest(outcome string, bytes int64, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveIngest(string, int64, time.Duration) {}

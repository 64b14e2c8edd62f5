package content

import "time"

// Metrics receives content store observations. Implementations must be
// safe for concurrent use. A nil Metrics passed to NewStore is replaced
// with a no-op.
type Metrics interface {
	// ObservePut records one completed put, noting whether it hit the
	// deduplication path.
	ObservePut(bytes int64, duration time.Duration, deduplicated bool)

	// ObserveGet records one completed get.
	ObserveGet(bytes int64, duration time.Duration)

	// ObserveVerification records one verification pass: how many records
	// were checked and how many were quarantined.
	ObserveVerification(checked, corrupted int)
}

type noopMetrics struct{}

func (noopMetrics) ObservePut(int64, time.Duration, bool) {}
func (noopMetrics) ObserveGet(int64, time.Duration)       {}
func (noopMetrics) ObserveVerification(int, int)          {}

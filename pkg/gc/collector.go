// Package gc provides periodic maintenance for the content store.
//
// The collector runs the verification pass on a schedule: rehashing
// stored content, quarantining corruption, sweeping orphans left by
// crashes, and pruning unreferenced records past retention. These
// conditions can occur due to:
//   - Crashes between blob commit and record write
//   - Failed delete operations
//   - Disk corruption under the addressable namespace
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
)

// Collector performs periodic verification and cleanup runs.
//
// The collector runs in the background and periodically verifies the
// content store against its cache index.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	store  *content.Store
	index  *cache.Index
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config contains configuration for the maintenance collector.
type Config struct {
	// Enabled controls whether background verification is active
	// (default: true when constructed from configuration)
	Enabled bool

	// Interval is how often to run a verification pass (default: 24h)
	Interval time.Duration

	// RunTimeout bounds a single pass (default: 10m)
	RunTimeout time.Duration
}

// NewCollector creates a new maintenance collector.
//
// The collector will be initialized but not started. Call Start() to
// begin background verification.
//
// Parameters:
//   - store: Content store to verify and repair
//   - index: Cache index to reconcile (may be nil)
//   - config: Scheduling configuration
func NewCollector(store *content.Store, index *cache.Index, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.RunTimeout == 0 {
		config.RunTimeout = 10 * time.Minute
	}

	return &Collector{
		store:  store,
		index:  index,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background verification.
//
// This starts a goroutine that runs a pass at the configured interval
// until Stop() is called.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Background verification disabled")
		return
	}

	logger.Info("Starting maintenance collector: interval=%s", c.config.Interval)

	go c.worker()
}

// Stop stops the collector and waits for it to finish.
//
// This signals the worker goroutine to stop and waits for it to complete
// any in-progress pass. Safe to call multiple times only through
// separate collectors.
//
// Parameters:
//   - ctx: Context for timeout (the wait is abandoned if it expires)
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	logger.Info("Stopping maintenance collector...")

	close(c.stopCh)

	select {
	case <-c.doneCh:
		logger.Info("Maintenance collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Maintenance collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers an immediate verification pass.
//
// Useful for tests, admin triggers, and initial cleanup on startup. The
// method blocks until the pass completes or ctx is cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running verification pass (manual trigger)...")
	return c.run(ctx)
}

// worker is the background goroutine that runs periodic passes.
func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	logger.Info("Maintenance collector worker started")

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.RunTimeout)
			stats, err := c.run(ctx)
			cancel()

			if err != nil {
				logger.Error("Verification pass failed: %v", err)
			} else {
				logger.Info("Verification pass completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			logger.Info("Maintenance collector worker stopping...")
			return
		}
	}
}

// run performs a single verification pass and wraps its outcome.
func (c *Collector) run(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	verify, err := c.store.Verify(ctx, c.index)
	stats.Verify = verify
	stats.EndTime = time.Now()

	if err != nil {
		return stats, err
	}
	return stats, nil
}

// Stats contains statistics from one maintenance run.
type Stats struct {
	StartTime time.Time
	EndTime   time.Time
	Verify    content.VerifyStats
}

// Duration returns the total run duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf("checked=%d corrupted=%d missing=%d orphaned_blobs=%d orphaned_entries=%d drift=%d pruned=%d errors=%d duration=%s",
		s.Verify.Checked, s.Verify.Corrupted, s.Verify.MissingBlobs,
		s.Verify.OrphanedBlobs, s.Verify.OrphanedEntries, s.Verify.RefCountDrift,
		s.Verify.Pruned, s.Verify.Errors, s.Duration())
}

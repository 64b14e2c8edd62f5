// Package ingest implements the DittoCache ingestion pipeline.
//
// Each ingestion runs a small state machine: the byte stream is received
// and hashed in one pass, committed to the content store, recorded in
// the cache index, and attached to the caller's session. Every failure
// path lands in a terminal Failed state with no partial state retained:
// the staged bytes are discarded and any refcount unit acquired along
// the way is released.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/internal/ratelimiter"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
	"github.com/marmos91/dittocache/pkg/session"
)

// Config contains configuration for the ingestion pipeline.
type Config struct {
	// MaxPayloadBytes is the hard payload ceiling. Streams that exceed it
	// abort with ErrPayloadTooLarge (default: 50 MiB). Zero disables the
	// ceiling.
	MaxPayloadBytes int64

	// Timeout bounds one ingestion from first byte to terminal state
	// (default: 2m). Exceeding it aborts with ErrTimeout.
	Timeout time.Duration

	// RatePerOwner is the sustained ingestion rate allowed per owner, in
	// requests per second. Zero disables rate limiting.
	RatePerOwner float64

	// RateBurst is the per-owner burst capacity.
	RateBurst int
}

// Pipeline coordinates ingestion and retrieval across the content store,
// cache index and session manager.
//
// Thread Safety: safe for concurrent use; all coordination lives in the
// underlying components.
type Pipeline struct {
	store    *content.Store
	index    *cache.Index
	sessions *session.Manager
	limiter  *ratelimiter.KeyedLimiter
	config   Config
	metrics  Metrics

	// clock is swappable for tests
	clock func() time.Time
}

// NewPipeline creates an ingestion pipeline.
//
// Parameters:
//   - store: Content store for put/get
//   - index: Cache index, updated on every ingestion and retrieval
//   - sessions: Session manager for reference bookkeeping
//   - config: Limits and timeouts
//   - m: Optional metrics collector (can be nil)
func NewPipeline(store *content.Store, index *cache.Index, sessions *session.Manager, config Config, m Metrics) *Pipeline {
	if config.MaxPayloadBytes == 0 {
		config.MaxPayloadBytes = 50 << 20
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Minute
	}
	if m == nil {
		m = noopMetrics{}
	}

	return &Pipeline{
		store:    store,
		index:    index,
		sessions: sessions,
		limiter:  ratelimiter.New(config.RatePerOwner, config.RateBurst),
		config:   config,
		metrics:  m,
		clock:    time.Now,
	}
}

// Ingest streams content into the store under the given session and
// returns its fingerprint.
//
// On success the fingerprint is a stable, reusable reference: the
// content is committed, indexed, and attached to the session with its
// refcount accounting for exactly one unit per distinct session
// reference. Ingesting identical bytes under two sessions yields the
// same fingerprint, one physical copy, and refcount 2.
//
// Failure modes:
//   - ErrRateLimited: the owner exceeded the configured ingestion rate
//   - ErrPayloadTooLarge: the declared hint or the actual stream exceeds
//     the payload ceiling
//   - ErrTimeout: the ingestion exceeded its maximum duration
//   - ErrSessionExpired: the session lapsed before attach
//   - ErrCapacityExceeded: eviction could not make room in the index, or
//     the session quota is exhausted
//
// Every failure rolls back completely; no pinned orphan survives.
func (p *Pipeline) Ingest(ctx context.Context, ownerID, sessionID string, r io.Reader, sizeHint int64) (cache.Fingerprint, error) {
	start := p.clock()

	fail := func(outcome string, bytes int64, err error) (cache.Fingerprint, error) {
		p.metrics.ObserveIngest(outcome, bytes, p.clock().Sub(start))
		return cache.Fingerprint{}, err
	}

	if !p.limiter.Allow(ownerID) {
		return fail(OutcomeRateLimited, 0, &cache.StoreError{
			Code:    cache.ErrRateLimited,
			Message: "ingestion rate limit exceeded for owner " + ownerID,
		})
	}

	// Reject on the declared hint before reading a single byte. The hint
	// is advisory; the stream is still capped below.
	if p.config.MaxPayloadBytes > 0 && sizeHint > p.config.MaxPayloadBytes {
		return fail(OutcomeTooLarge, 0, &cache.StoreError{
			Code:    cache.ErrPayloadTooLarge,
			Message: fmt.Sprintf("declared size %d exceeds limit %d", sizeHint, p.config.MaxPayloadBytes),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if p.config.MaxPayloadBytes > 0 {
		r = &cappedReader{r: r, remaining: p.config.MaxPayloadBytes}
	}

	fp, size, err := p.store.Put(ctx, r)
	if err != nil {
		switch {
		case cache.IsCode(err, cache.ErrPayloadTooLarge):
			return fail(OutcomeTooLarge, size, err)
		case errors.Is(err, context.DeadlineExceeded):
			return fail(OutcomeTimeout, size, &cache.StoreError{
				Code:    cache.ErrTimeout,
				Message: fmt.Sprintf("ingestion exceeded %s", p.config.Timeout),
			})
		default:
			return fail(OutcomeFailed, size, err)
		}
	}

	// From here the pipeline holds one refcount unit on fp. Every early
	// return below must release it.
	evicted, err := p.index.Record(ctx, fp, size)
	p.dropEvicted(ctx, evicted)
	if err != nil {
		p.rollback(ctx, fp)
		return fail(OutcomeFailed, size, err)
	}

	added, err := p.sessions.Attach(ctx, sessionID, fp, size)
	if err != nil {
		// Session expired or quota exhausted mid-flight: the content stays
		// stored, but the unit acquired by Put is released so no pinned
		// orphan leaks.
		p.rollback(ctx, fp)
		return fail(OutcomeFailed, size, err)
	}
	if !added {
		// The session already referenced fp, so the unit acquired by Put
		// is surplus.
		if _, err := p.store.Unpin(context.WithoutCancel(ctx), fp); err != nil {
			logger.Warn("Failed to release surplus refcount: fingerprint=%s error=%v", fp, err)
		}
	}

	p.metrics.ObserveIngest(OutcomeAttached, size, p.clock().Sub(start))
	logger.Debug("Ingested: owner=%s session=%s fingerprint=%s size=%d", ownerID, sessionID, fp, size)
	return fp, nil
}

// Retrieve returns a reader over the content for fp, authorized by the
// session. The session's deadline slides; the index entry's recency is
// refreshed, re-indexing cold content lazily on its first access after
// eviction.
func (p *Pipeline) Retrieve(ctx context.Context, sessionID string, fp cache.Fingerprint) (io.ReadCloser, int64, error) {
	if err := p.sessions.Touch(ctx, sessionID); err != nil {
		return nil, 0, err
	}

	rc, size, err := p.store.Get(ctx, fp)
	if err != nil {
		return nil, 0, err
	}

	if p.index.Contains(fp) {
		if err := p.index.Touch(ctx, fp); err != nil {
			logger.Warn("Index touch failed: fingerprint=%s error=%v", fp, err)
		}
	} else {
		// Cold content: the entry was evicted while the record survived.
		// Re-index on access.
		evicted, err := p.index.Record(ctx, fp, size)
		p.dropEvicted(ctx, evicted)
		if err != nil && !cache.IsCode(err, cache.ErrCapacityExceeded) {
			logger.Warn("Lazy re-index failed: fingerprint=%s error=%v", fp, err)
		}
	}

	return rc, size, nil
}

// rollback releases the refcount unit held by a failed ingestion.
//
// The ingestion context has usually hit its deadline by the time the
// rollback runs; the release must go through regardless.
func (p *Pipeline) rollback(ctx context.Context, fp cache.Fingerprint) {
	if _, err := p.store.Unpin(context.WithoutCancel(ctx), fp); err != nil && !cache.IsCode(err, cache.ErrNotFound) {
		logger.Error("Ingestion rollback failed, refcount may leak until verification: fingerprint=%s error=%v", fp, err)
	}
}

// dropEvicted deletes the content of evicted index entries whose records
// are unreferenced. Referenced records stay durably stored (cold).
func (p *Pipeline) dropEvicted(ctx context.Context, evicted []cache.Fingerprint) {
	for _, fp := range evicted {
		deleted, err := p.store.DeleteIfUnreferenced(ctx, fp)
		if err != nil {
			logger.Warn("Post-eviction delete failed: fingerprint=%s error=%v", fp, err)
			continue
		}
		if deleted {
			logger.Debug("Evicted and deleted: fingerprint=%s", fp)
		}
	}
}

// cappedReader caps a stream at a byte budget, failing with
// ErrPayloadTooLarge on the first read past it.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, &cache.StoreError{
			Code:    cache.ErrPayloadTooLarge,
			Message: "payload exceeds configured limit",
		}
	}

	if int64(len(p)) > c.remaining+1 {
		// Read one byte past the budget so overshoot is detected without
		// consuming the whole stream.
		p = p[:c.remaining+1]
	}

	n, err := c.r.Read(p)
	c.remaining -= int64(n)

	if c.remaining < 0 {
		return n, &cache.StoreError{
			Code:    cache.ErrPayloadTooLarge,
			Message: "payload exceeds configured limit",
		}
	}
	return n, err
}

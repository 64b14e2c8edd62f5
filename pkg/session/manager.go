// Package session implements the DittoCache session manager.
//
// A session ties a caller identity to a bounded-lifetime set of content
// references. Every reference a session holds pins one refcount unit on
// its content record; close and reap release those pins before the
// session record disappears, so refcount bookkeeping in the content
// store never drifts.
//
// Session lifetime is sliding: each successful operation under a session
// extends its deadline by the configured idle timeout. Sessions idle
// past the timeout stop authorizing operations immediately and are
// removed by the periodic reaper.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/meta"
)

// Releaser releases one refcount unit on a content record. The content
// store satisfies this; the indirection keeps the session manager from
// depending on the full store surface.
type Releaser interface {
	Unpin(ctx context.Context, fp cache.Fingerprint) (int64, error)
}

// Config contains configuration for the session manager.
type Config struct {
	// IdleTimeout is the sliding expiry window (default: 30m). Each
	// successful operation pushes the deadline this far into the future.
	IdleTimeout time.Duration

	// QuotaBytes caps the total attached content size per session.
	// Zero means unlimited.
	QuotaBytes int64

	// ReapInterval is how often expired sessions are swept (default: 1m).
	ReapInterval time.Duration
}

// Manager owns session lifecycle: open, touch, attach, detach, close,
// reap.
//
// Thread Safety: safe for concurrent use. Operations under the same
// session ID are serialized on a per-session mutex; operations under
// different sessions proceed independently.
type Manager struct {
	meta     meta.Store
	releaser Releaser
	config   Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}

	// clock is swappable for tests
	clock func() time.Time
}

// NewManager creates a session manager backed by the given meta store.
func NewManager(metaStore meta.Store, releaser Releaser, config Config) *Manager {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if config.ReapInterval == 0 {
		config.ReapInterval = time.Minute
	}

	return &Manager{
		meta:     metaStore,
		releaser: releaser,
		config:   config,
		locks:    make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		clock:    time.Now,
	}
}

// lockSession returns the mutex serializing operations for id, creating
// it on first use.
func (m *Manager) lockSession(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// dropLock forgets the mutex for a removed session. A goroutine already
// waiting on the old mutex still acquires it, re-reads the session and
// finds it gone.
func (m *Manager) dropLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, id)
}

// Open creates a new session for ownerID and returns it.
func (m *Manager) Open(ctx context.Context, ownerID string) (*cache.Session, error) {
	if ownerID == "" {
		return nil, &cache.StoreError{Code: cache.ErrInvalidArgument, Message: "owner ID is empty"}
	}

	now := m.clock()
	sess := &cache.Session{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.config.IdleTimeout),
		ActiveReferences: make(map[cache.Fingerprint]struct{}),
	}

	if err := m.meta.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	logger.Debug("Session opened: id=%s owner=%s", sess.ID, ownerID)
	return sess, nil
}

// loadLive reads the session and enforces expiry. Both a missing and an
// expired session come back as ErrSessionExpired: from the caller's
// perspective the remedy is the same, re-open. Callers hold the session
// lock.
func (m *Manager) loadLive(ctx context.Context, id string) (*cache.Session, error) {
	sess, err := m.meta.GetSession(ctx, id)
	if err != nil {
		if cache.IsCode(err, cache.ErrNotFound) {
			return nil, &cache.StoreError{
				Code:    cache.ErrSessionExpired,
				Message: "session not found or expired: " + id,
			}
		}
		return nil, err
	}

	if sess.Expired(m.clock()) {
		return nil, &cache.StoreError{
			Code:    cache.ErrSessionExpired,
			Message: "session expired: " + id,
		}
	}

	return sess, nil
}

// Touch extends the session's sliding deadline. Used both as an explicit
// keep-alive and as the authorization step for reads.
func (m *Manager) Touch(ctx context.Context, id string) error {
	lock := m.lockSession(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.loadLive(ctx, id)
	if err != nil {
		return err
	}

	sess.ExpiresAt = m.clock().Add(m.config.IdleTimeout)
	return m.meta.PutSession(ctx, sess)
}

// Attach records a reference to fp under the session and slides its
// deadline.
//
// Returns added=false when the session already holds the reference; the
// caller owns an extra refcount unit in that case and must release it.
// Fails with ErrCapacityExceeded when the attachment would push the
// session past its quota.
func (m *Manager) Attach(ctx context.Context, id string, fp cache.Fingerprint, size int64) (bool, error) {
	lock := m.lockSession(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.loadLive(ctx, id)
	if err != nil {
		return false, err
	}

	if sess.HasReference(fp) {
		sess.ExpiresAt = m.clock().Add(m.config.IdleTimeout)
		if err := m.meta.PutSession(ctx, sess); err != nil {
			return false, err
		}
		return false, nil
	}

	if m.config.QuotaBytes > 0 && sess.UsedBytes+size > m.config.QuotaBytes {
		return false, &cache.StoreError{
			Code:        cache.ErrCapacityExceeded,
			Message:     fmt.Sprintf("session quota exceeded: used=%d attach=%d quota=%d", sess.UsedBytes, size, m.config.QuotaBytes),
			Fingerprint: fp,
		}
	}

	sess.ActiveReferences[fp] = struct{}{}
	sess.UsedBytes += size
	sess.ExpiresAt = m.clock().Add(m.config.IdleTimeout)

	if err := m.meta.PutSession(ctx, sess); err != nil {
		return false, err
	}

	logger.Debug("Attached: session=%s fingerprint=%s", id, fp)
	return true, nil
}

// Detach removes the session's reference to fp and slides its deadline.
// Returns removed=false when the session held no such reference; the
// caller releases the refcount unit only when removed is true.
func (m *Manager) Detach(ctx context.Context, id string, fp cache.Fingerprint, size int64) (bool, error) {
	lock := m.lockSession(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.loadLive(ctx, id)
	if err != nil {
		return false, err
	}

	if !sess.HasReference(fp) {
		return false, nil
	}

	delete(sess.ActiveReferences, fp)
	sess.UsedBytes -= size
	if sess.UsedBytes < 0 {
		sess.UsedBytes = 0
	}
	sess.ExpiresAt = m.clock().Add(m.config.IdleTimeout)

	if err := m.meta.PutSession(ctx, sess); err != nil {
		return false, err
	}

	logger.Debug("Detached: session=%s fingerprint=%s", id, fp)
	return true, nil
}

// Close releases every reference the session holds and removes it.
// Closing an already-removed session is not an error.
func (m *Manager) Close(ctx context.Context, id string) error {
	lock := m.lockSession(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.meta.GetSession(ctx, id)
	if err != nil {
		if cache.IsCode(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}

	return m.removeLocked(ctx, sess)
}

// removeLocked releases all references and deletes the session record.
// Callers hold the session lock.
//
// References are released before the record is deleted; if an unpin
// fails mid-way the session survives with the remaining references so
// no pinned content is ever leaked.
func (m *Manager) removeLocked(ctx context.Context, sess *cache.Session) error {
	for fp := range sess.ActiveReferences {
		if _, err := m.releaser.Unpin(ctx, fp); err != nil && !cache.IsCode(err, cache.ErrNotFound) {
			return fmt.Errorf("failed to release reference %s: %w", fp, err)
		}
		delete(sess.ActiveReferences, fp)
		if err := m.meta.PutSession(ctx, sess); err != nil {
			return err
		}
	}

	if err := m.meta.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}

	m.dropLock(sess.ID)
	logger.Debug("Session closed: id=%s owner=%s", sess.ID, sess.OwnerID)
	return nil
}

// Reap removes every expired session, detaching its references first.
// Returns how many sessions were removed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	sessions, err := m.meta.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := m.clock()
	reaped := 0

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if !sess.Expired(now) {
			continue
		}

		lock := m.lockSession(sess.ID)
		lock.Lock()

		// Re-read under the lock: the session may have been touched or
		// closed since the listing.
		current, err := m.meta.GetSession(ctx, sess.ID)
		if err != nil {
			lock.Unlock()
			if cache.IsCode(err, cache.ErrNotFound) {
				continue
			}
			logger.Warn("Reap read failed: session=%s error=%v", sess.ID, err)
			continue
		}
		if !current.Expired(m.clock()) {
			lock.Unlock()
			continue
		}

		if err := m.removeLocked(ctx, current); err != nil {
			logger.Warn("Reap failed: session=%s error=%v", sess.ID, err)
			lock.Unlock()
			continue
		}

		lock.Unlock()
		reaped++
	}

	if reaped > 0 {
		logger.Info("Reaped %d expired sessions", reaped)
	}
	return reaped, nil
}

// CountActive returns the number of unexpired sessions.
func (m *Manager) CountActive(ctx context.Context) (int64, error) {
	sessions, err := m.meta.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := m.clock()
	var count int64
	for _, sess := range sessions {
		if !sess.Expired(now) {
			count++
		}
	}
	return count, nil
}

// Start begins the background reaper.
func (m *Manager) Start() {
	logger.Info("Starting session reaper: interval=%s idle_timeout=%s",
		m.config.ReapInterval, m.config.IdleTimeout)

	go m.worker()
}

// Stop stops the reaper and waits for it to finish.
func (m *Manager) Stop(ctx context.Context) error {
	logger.Info("Stopping session reaper...")

	close(m.stopCh)

	select {
	case <-m.doneCh:
		logger.Info("Session reaper stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Session reaper shutdown timeout")
		return ctx.Err()
	}
}

// worker is the background goroutine that reaps expired sessions.
func (m *Manager) worker() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := m.Reap(ctx); err != nil {
				logger.Error("Session reap failed: %v", err)
			}
			cancel()

		case <-m.stopCh:
			return
		}
	}
}

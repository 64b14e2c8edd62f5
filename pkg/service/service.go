// Package service assembles the DittoCache components into one facade.
//
// The service owns component lifecycle (index load or rebuild, background
// workers, graceful shutdown) and exposes the caller-facing operations:
// ingest, retrieve, session management, status, and manual backup and
// verification triggers.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/backup"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
	"github.com/marmos91/dittocache/pkg/gc"
	"github.com/marmos91/dittocache/pkg/ingest"
	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/marmos91/dittocache/pkg/session"
	"github.com/marmos91/dittocache/pkg/store/blob"
	"github.com/marmos91/dittocache/pkg/store/meta"
)

// Deps carries the assembled components. The configuration layer builds
// them from declarative config; tests wire them directly.
type Deps struct {
	Blobs    blob.Store
	Meta     meta.Store
	Index    *cache.Index
	Store    *content.Store
	Sessions *session.Manager
	Pipeline *ingest.Pipeline
	Backups  *backup.Manager
	Verifier *gc.Collector

	// MetricsServer is optional; nil disables the HTTP endpoint.
	MetricsServer *metrics.Server
}

// Service is the DittoCache facade.
//
// Thread Safety: safe for concurrent use. All coordination lives in the
// underlying components; the service only adds the owner-to-session
// binding, guarded by its own mutex.
type Service struct {
	deps Deps

	// ownerSessions binds each owner to their current session, created
	// on first interaction and replaced transparently when it expires.
	ownerMu       sync.Mutex
	ownerSessions map[string]string

	cancelMetrics context.CancelFunc
	started       bool
}

// New creates a service from assembled components.
func New(deps Deps) *Service {
	return &Service{
		deps:          deps,
		ownerSessions: make(map[string]string),
	}
}

// Start brings the cache to a serving state:
//
//  1. Loads the persisted cache index; if the persisted form is missing
//     or unreadable, rebuilds it by scanning content records.
//  2. Rebinds persisted unexpired sessions to their owners.
//  3. Starts the background workers: session reaper, maintenance
//     collector, backup scheduler, and the metrics endpoint.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("service already started")
	}

	if err := s.deps.Index.Load(ctx); err != nil {
		logger.Warn("Persisted index unusable, rebuilding from records: %v", err)

		records, lerr := s.deps.Store.ListRecords(ctx)
		if lerr != nil {
			return fmt.Errorf("failed to list records for index rebuild: %w", lerr)
		}
		if rerr := s.deps.Index.Rebuild(ctx, records); rerr != nil {
			return fmt.Errorf("failed to rebuild index: %w", rerr)
		}
		logger.Info("Index rebuilt: entries=%d bytes=%d", s.deps.Index.Len(), s.deps.Index.TotalBytes())
	} else {
		logger.Info("Index loaded: entries=%d bytes=%d", s.deps.Index.Len(), s.deps.Index.TotalBytes())
	}

	if err := s.rebindSessions(ctx); err != nil {
		return err
	}

	s.deps.Sessions.Start()
	s.deps.Verifier.Start()
	s.deps.Backups.Start()

	if s.deps.MetricsServer != nil {
		metricsCtx, cancel := context.WithCancel(context.Background())
		s.cancelMetrics = cancel
		go func() {
			if err := s.deps.MetricsServer.Start(metricsCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	s.started = true
	logger.Info("DittoCache started")
	return nil
}

// rebindSessions restores the owner-to-session map from persisted
// sessions so a restart does not orphan live sessions.
func (s *Service) rebindSessions(ctx context.Context) error {
	sessions, err := s.deps.Meta.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted sessions: %w", err)
	}

	now := time.Now()
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	for _, sess := range sessions {
		if sess.Expired(now) {
			continue
		}
		// Keep the freshest session per owner.
		if existing, ok := s.ownerSessions[sess.OwnerID]; ok {
			if prev, err := s.deps.Meta.GetSession(ctx, existing); err == nil && prev.ExpiresAt.After(sess.ExpiresAt) {
				continue
			}
		}
		s.ownerSessions[sess.OwnerID] = sess.ID
	}

	if len(s.ownerSessions) > 0 {
		logger.Info("Rebound %d persisted sessions", len(s.ownerSessions))
	}
	return nil
}

// Stop shuts the service down gracefully: workers first, then the
// stores. In-progress operations get until ctx expires to finish.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}

	logger.Info("DittoCache stopping...")

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.deps.Backups.Stop(ctx))
	record(s.deps.Verifier.Stop(ctx))
	record(s.deps.Sessions.Stop(ctx))

	if s.cancelMetrics != nil {
		s.cancelMetrics()
	}

	record(s.deps.Meta.Close())
	record(s.deps.Blobs.Close())

	s.started = false
	logger.Info("DittoCache stopped")
	return firstErr
}

// sessionFor returns the owner's current session ID, opening a session
// on first interaction.
func (s *Service) sessionFor(ctx context.Context, ownerID string) (string, error) {
	s.ownerMu.Lock()
	id, ok := s.ownerSessions[ownerID]
	s.ownerMu.Unlock()

	if ok {
		return id, nil
	}
	return s.reopenSession(ctx, ownerID)
}

// reopenSession opens a fresh session for the owner and rebinds it.
func (s *Service) reopenSession(ctx context.Context, ownerID string) (string, error) {
	sess, err := s.deps.Sessions.Open(ctx, ownerID)
	if err != nil {
		return "", err
	}

	s.ownerMu.Lock()
	s.ownerSessions[ownerID] = sess.ID
	s.ownerMu.Unlock()

	return sess.ID, nil
}

// Ingest streams content into the cache on behalf of an owner and
// returns its fingerprint.
//
// The owner's session is created on first interaction and replaced
// transparently if it expired between calls; all other errors surface
// unchanged from the pipeline.
func (s *Service) Ingest(ctx context.Context, ownerID string, r io.Reader, sizeHint int64) (cache.Fingerprint, error) {
	sessionID, err := s.sessionFor(ctx, ownerID)
	if err != nil {
		return cache.Fingerprint{}, err
	}

	fp, err := s.deps.Pipeline.Ingest(ctx, ownerID, sessionID, r, sizeHint)
	if err != nil && cache.IsCode(err, cache.ErrSessionExpired) {
		// The bound session lapsed between calls. Reopen once; a failure
		// after that is the caller's to handle.
		sessionID, err = s.reopenSession(ctx, ownerID)
		if err != nil {
			return cache.Fingerprint{}, err
		}
		return s.deps.Pipeline.Ingest(ctx, ownerID, sessionID, r, sizeHint)
	}
	return fp, err
}

// Retrieve returns a reader over the content for fp, authorized by the
// session.
func (s *Service) Retrieve(ctx context.Context, sessionID string, fp cache.Fingerprint) (io.ReadCloser, int64, error) {
	return s.deps.Pipeline.Retrieve(ctx, sessionID, fp)
}

// OpenSession explicitly opens a session for an owner and binds it.
func (s *Service) OpenSession(ctx context.Context, ownerID string) (*cache.Session, error) {
	sess, err := s.deps.Sessions.Open(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.ownerMu.Lock()
	s.ownerSessions[ownerID] = sess.ID
	s.ownerMu.Unlock()

	return sess, nil
}

// TouchSession extends a session's sliding deadline.
func (s *Service) TouchSession(ctx context.Context, sessionID string) error {
	return s.deps.Sessions.Touch(ctx, sessionID)
}

// CloseSession releases every reference the session holds and removes
// it.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.deps.Sessions.Close(ctx, sessionID); err != nil {
		return err
	}

	s.ownerMu.Lock()
	for owner, id := range s.ownerSessions {
		if id == sessionID {
			delete(s.ownerSessions, owner)
			break
		}
	}
	s.ownerMu.Unlock()

	return nil
}

// SessionID returns the session currently bound to an owner, if any.
func (s *Service) SessionID(ownerID string) (string, bool) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	id, ok := s.ownerSessions[ownerID]
	return id, ok
}

// BackupNow triggers an immediate snapshot and retention pruning.
func (s *Service) BackupNow(ctx context.Context) (*cache.BackupManifest, error) {
	return s.deps.Backups.RunNow(ctx)
}

// VerifyNow triggers an immediate verification pass.
func (s *Service) VerifyNow(ctx context.Context) (*gc.Stats, error) {
	return s.deps.Verifier.RunNow(ctx)
}

// Status assembles the health summary for probes and operators.
func (s *Service) Status(ctx context.Context) (*cache.Status, error) {
	status := &cache.Status{
		IndexLoaded:  s.deps.Index.Loaded(),
		IndexedBytes: s.deps.Index.TotalBytes(),
	}

	status.StoreReachable = s.deps.Store.Ping(ctx) == nil

	records, err := s.deps.Meta.CountRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	status.Records = records

	active, err := s.deps.Sessions.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	status.ActiveSessions = active

	last, err := s.deps.Backups.LastBackupAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup log: %w", err)
	}
	status.LastBackupAt = last

	return status, nil
}

package service

import (
	"context"
	"fmt"

	"github.com/marmos91/dittocache/pkg/backup"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/config"
	"github.com/marmos91/dittocache/pkg/content"
	"github.com/marmos91/dittocache/pkg/gc"
	"github.com/marmos91/dittocache/pkg/ingest"
	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/marmos91/dittocache/pkg/session"
)

// FromConfig assembles a Service from declarative configuration.
//
// Construction order matters: stores first, then the index over the meta
// store, then the coordinating components. Metrics are initialized
// before any component asks for a collector, so the constructors hand
// out live instances instead of nil.
func FromConfig(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg.Server.Metrics.Enabled {
		metrics.InitRegistry()
	}

	blobs, err := config.CreateBlobStore(ctx, &cfg.Blob)
	if err != nil {
		return nil, err
	}

	metaStore, err := config.CreateMetaStore(ctx, &cfg.Meta)
	if err != nil {
		// The blob store opened fine; release it before bailing.
		_ = blobs.Close()
		return nil, err
	}

	index := cache.NewIndex(cfg.Index.BudgetBytes, metaStore)

	store := content.NewStore(blobs, metaStore, content.Config{
		MaxIORetries: cfg.Content.MaxIORetries,
		RetryBackoff: cfg.Content.RetryBackoff,
		RetentionAge: cfg.Content.RetentionAge,
		DriftGrace:   cfg.Content.DriftGrace,
	}, metrics.NewContentMetrics())

	sessions := session.NewManager(metaStore, store, session.Config{
		IdleTimeout:  cfg.Sessions.IdleTimeout,
		QuotaBytes:   cfg.Sessions.QuotaBytes,
		ReapInterval: cfg.Sessions.ReapInterval,
	})

	pipeline := ingest.NewPipeline(store, index, sessions, ingest.Config{
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		Timeout:         cfg.Ingest.Timeout,
		RatePerOwner:    cfg.Ingest.RatePerOwner,
		RateBurst:       cfg.Ingest.RateBurst,
	}, metrics.NewIngestMetrics())

	target, err := config.CreateBackupTarget(ctx, &cfg.Backup)
	if err != nil {
		_ = metaStore.Close()
		_ = blobs.Close()
		return nil, fmt.Errorf("failed to create backup target: %w", err)
	}

	backups := backup.NewManager(store, index, metaStore, target, backup.Config{
		Enabled:      cfg.Backup.Enabled,
		Interval:     cfg.Backup.Interval,
		RetentionAge: cfg.Backup.RetentionAge,
	})

	verifier := gc.NewCollector(store, index, gc.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Interval: cfg.Maintenance.Interval,
	})

	var metricsServer *metrics.Server
	if cfg.Server.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{
			Port:      cfg.Server.Metrics.Port,
			Readiness: index.Loaded,
		})
	}

	return New(Deps{
		Blobs:         blobs,
		Meta:          metaStore,
		Index:         index,
		Store:         store,
		Sessions:      sessions,
		Pipeline:      pipeline,
		Backups:       backups,
		Verifier:      verifier,
		MetricsServer: metricsServer,
	}), nil
}

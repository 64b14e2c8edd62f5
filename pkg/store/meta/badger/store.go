// Package badger implements the DittoCache metadata store on BadgerDB.
//
// BadgerDB gives the store WAL-based crash recovery, ACID transactions
// for the refcount and manifest paths, and efficient prefix scans for
// the record/session/manifest listings. See keys.go for the key schema.
package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// MetaStore implements meta.Store using BadgerDB for persistence.
//
// Thread Safety: BadgerDB transactions provide the required atomicity;
// concurrent refcount adjustments on the same fingerprint retry on
// transaction conflict, so no additional locking is needed here.
type MetaStore struct {
	db *badger.DB
}

// Config contains configuration for creating a badger meta store.
type Config struct {
	// DBPath is the directory where BadgerDB stores its files. BadgerDB
	// creates multiple files in this directory (value log, LSM tree, ...).
	DBPath string `mapstructure:"db_path"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64).
	// Metadata values are tiny, so a small cache covers the working set.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`
}

// NewMetaStore opens (or creates) a badger-backed meta store at the
// configured path.
//
// The returned store is immediately ready for use and safe for concurrent
// access from multiple goroutines.
//
// Parameters:
//   - ctx: Context for cancellation during initialization
//   - cfg: Store configuration
//
// Returns:
//   - *MetaStore: A new store instance ready for use
//   - error: Error if database initialization fails or context is cancelled
func NewMetaStore(ctx context.Context, cfg Config) (*MetaStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	opts = opts.WithLoggingLevel(badger.WARNING) // Reduce log noise
	opts = opts.WithCompression(options.None)    // Values are small JSON, compression overhead not worth it
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	return &MetaStore{db: db}, nil
}

// Close closes the BadgerDB database and releases all resources.
//
// The close operation waits for pending transactions and flushes all data
// to disk. After Close the store must not be used.
func (s *MetaStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

// listPrefix iterates all values under a key prefix and hands each value
// to collect. Shared by the record/entry/session/manifest listings.
func (s *MetaStore) listPrefix(ctx context.Context, prefix string, collect func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := it.Item().Value(collect); err != nil {
				return err
			}
		}
		return nil
	})
}

package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lagcast-lab/lagcast/internal/storage"
)

// Store implements storage.KV using BadgerDB (LSM tree).
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool
}

// New opens a BadgerDB-backed key-value store.
// Values here are small (lag-state JSON, model blobs, index entries), so the
// store runs with conservative memory limits rather than Badger's defaults.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	const memTableSize = 16 * 1024 * 1024
	opts = opts.
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithValueThreshold(1024).
		// Badger requires at least two compactors.
		WithNumCompactors(2).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	slog.Info("[BadgerKV] Store opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &Store{db: db}, nil
}

// Get returns the value for key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key holds a value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Scan visits every key with the given prefix in lexicographic order.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger scan %q: %w", string(item.Key()), err)
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database. It blocks briefly while
// memtables flush to disk.
func (s *Store) Close() error {
	start := time.Now()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	slog.Info("[BadgerKV] Store closed", "took", time.Since(start))
	return nil
}

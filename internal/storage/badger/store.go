// Package badger implements the fallback store on an embedded BadgerDB.
// Records live under keys of the form fallback/<domain>/<hash>.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
)

const keyPrefix = "fallback/"

// Config selects the database location.
type Config struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// Store implements fallback.Store.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

var _ fallback.Store = (*Store)(nil)

// zapAdapter routes badger's internal logging through zap.
type zapAdapter struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*zapAdapter)(nil)

func (a *zapAdapter) Errorf(msg string, items ...any)   { a.logger.Errorf(msg, items...) }
func (a *zapAdapter) Warningf(msg string, items ...any) { a.logger.Warnf(msg, items...) }
func (a *zapAdapter) Infof(msg string, items ...any)    { a.logger.Debugf(msg, items...) }
func (a *zapAdapter) Debugf(msg string, items ...any)   { a.logger.Debugf(msg, items...) }

// Open opens (or creates) the database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts.Logger = &zapAdapter{logger: logger.Named("badger").Sugar()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Key returns the badger key for a record.
func Key(domain, hash string) []byte {
	return []byte(keyPrefix + fallback.Bucket(domain) + "/" + hash)
}

// Put stores rec, merging with any existing record.
func (s *Store) Put(_ context.Context, rec fallback.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("invalid fallback record: %w", err)
	}
	now := s.now()
	if rec.StoredAt.IsZero() {
		rec.StoredAt = now
	}
	rec.UpdatedAt = now
	key := Key(rec.Domain, rec.ContentHash)

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := readRecord(txn, key)
		switch {
		case err == nil:
			rec = fallback.Merge(existing, rec)
		case !errors.Is(err, fallback.ErrNotFound):
			return err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal fallback record: %w", err)
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		return "", fmt.Errorf("put fallback record: %w", err)
	}
	return "badger://" + string(key), nil
}

// Get reads one record.
func (s *Store) Get(_ context.Context, domain, hash string) (fallback.Record, error) {
	var rec fallback.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, Key(domain, hash))
		return err
	})
	if err != nil {
		return fallback.Record{}, fmt.Errorf("get fallback record %s/%s: %w", domain, hash, err)
	}
	return rec, nil
}

// List iterates one domain prefix, or every record when domain is empty.
func (s *Store) List(ctx context.Context, domain string) ([]fallback.Record, error) {
	prefix := []byte(keyPrefix)
	if domain != "" {
		prefix = []byte(keyPrefix + fallback.Bucket(domain) + "/")
	}
	var records []fallback.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec fallback.Record
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", iter.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list fallback records: %w", err)
	}
	return records, nil
}

// Delete removes one record.
func (s *Store) Delete(_ context.Context, domain, hash string) error {
	key := Key(domain, hash)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fallback.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete fallback record %s/%s: %w", domain, hash, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func readRecord(txn *badger.Txn, key []byte) (fallback.Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fallback.Record{}, fallback.ErrNotFound
	}
	if err != nil {
		return fallback.Record{}, err
	}
	var rec fallback.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

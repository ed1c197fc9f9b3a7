// Package store persists field configurations and records in an embedded
// BadgerDB. Values are JSON, zstd-compressed when that saves space.
//
// Record updates run as read-modify-write transactions. A concurrent commit
// to the same record aborts the transaction with badger.ErrConflict and the
// update is retried from a fresh read, which is how override ledger changes
// from concurrent editors are serialised.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/dlovans/fieldcalc/pkg/schema"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrExhausted = errors.New("too many conflicting updates")
)

const (
	schemaPrefix = "schema/"
	recordPrefix = "record/"
)

// Config configures a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// MaxRetries bounds UpdateRecord attempts on conflict.
	MaxRetries int
	// GCInterval is how often the value log is garbage collected. Zero
	// disables it; in-memory stores never run it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	// Logger receives badger's own logs. Nil silences them.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a persistent configuration with synced writes and
// value log GC every five minutes. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		MaxRetries:     5,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for an in-memory store, as used in
// tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		MaxRetries: 5,
	}
}

// Store persists schemas and records in badger. It is safe for concurrent
// use.
type Store struct {
	db         *badger.DB
	log        logrus.FieldLogger
	maxRetries int
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// Open opens the database described by cfg and starts value log GC when
// configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	log := cfg.Logger
	if log != nil {
		opts = opts.WithLogger(log.WithField("module", "badger"))
	} else {
		opts = opts.WithLogger(nil)
		silent := logrus.New()
		silent.SetOutput(nopWriter{})
		log = silent
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: log, maxRetries: cfg.MaxRetries}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.WithFields(logrus.Fields{
					"module":   "store",
					"funcName": "runGC",
				}).Warn(err.Error())
			}
		}
	}
}

// PutSchema stores the field configurations of a record type.
func (s *Store) PutSchema(ctx context.Context, name string, cfgs []schema.FieldConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, schemaPrefix+name, cfgs)
	})
}

// GetSchema loads the field configurations of a record type.
func (s *Store) GetSchema(ctx context.Context, name string) ([]schema.FieldConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cfgs []schema.FieldConfig
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, schemaPrefix+name, &cfgs)
	})
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return cfgs, nil
}

// PutRecord replaces a record.
func (s *Store) PutRecord(ctx context.Context, id string, rec *schema.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, recordPrefix+id, rec)
	})
}

// GetRecord loads a record.
func (s *Store) GetRecord(ctx context.Context, id string) (*schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := schema.NewRecord()
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, recordPrefix+id, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, nil
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(recordPrefix + id))
	})
}

// UpdateFunc derives the new version of a record from the current one.
// It may run more than once and must not have side effects.
type UpdateFunc func(current *schema.Record) (*schema.Record, error)

// UpdateRecord applies fn to the stored record atomically. The record must
// exist. On a write conflict the whole read-modify-write is retried.
func (s *Store) UpdateRecord(ctx context.Context, id string, fn UpdateFunc) (*schema.Record, error) {
	var out *schema.Record
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			current := schema.NewRecord()
			if err := get(txn, recordPrefix+id, current); err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil {
				return err
			}
			out = next
			return put(txn, recordPrefix+id, next)
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		s.log.WithFields(logrus.Fields{
			"module":   "store",
			"funcName": "UpdateRecord",
			"record":   id,
			"attempt":  attempt,
		}).Debug("write conflict, retrying")
	}
	return nil, fmt.Errorf("record %s: %w", id, ErrExhausted)
}

// ListRecords returns all record ids in key order.
func (s *Store) ListRecords(ctx context.Context) ([]string, error) {
	return s.list(ctx, recordPrefix)
}

// ListSchemas returns all schema names in key order.
func (s *Store) ListSchemas(ctx context.Context) ([]string, error) {
	return s.list(ctx, schemaPrefix)
}

func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}
		return nil
	})
	return ids, err
}

func put(txn *badger.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), compress(raw))
}

func get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		raw, err := decompress(val)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return json.Unmarshal(raw, v)
	})
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

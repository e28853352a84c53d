// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage wraps BadgerDB with the lifecycle management the registry
// and arena need: directory creation, periodic value-log GC, and a disposable
// handle that can be rebuilt from the canonical JSON index at any time.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures an embedded KV mirror instance.
type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	Logger            *slog.Logger
	GCInterval        time.Duration
	GCDiscardRatio    float64
}

// DefaultConfig returns production defaults: durable writes, a five-minute
// GC interval, and a 50% discard-ratio GC threshold.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a config suited to tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct{ l *slog.Logger }

func (b *badgerLogger) Errorf(f string, a ...interface{})   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Infof(f string, a ...interface{})    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b *badgerLogger) Debugf(f string, a ...interface{})   { b.l.Debug(fmt.Sprintf(f, a...)) }

// DB wraps *badger.DB with a background GC runner.
type DB struct {
	*badger.DB
	gc   *gcRunner
	path string
}

// Open opens (creating if necessary) a BadgerDB instance per cfg.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage: path required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create database directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	wrapped := &DB{DB: bdb, path: cfg.Path}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.gc = newGCRunner(bdb, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		wrapped.gc.start()
	}
	return wrapped, nil
}

// Close stops GC (if running) and closes the database. Safe to call once.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.stop()
	}
	return d.DB.Close()
}

// Path is the on-disk directory, empty for in-memory databases.
func (d *DB) Path() string { return d.path }

// Put writes key -> value, overwriting any prior value.
func (d *DB) Put(key, value []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Get reads key, returning (nil, badger.ErrKeyNotFound) if absent.
func (d *DB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := d.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	return out, err
}

// Delete removes key; no error if it was already absent.
func (d *DB) Delete(key []byte) error {
	return d.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ScanPrefix invokes fn for every key/value pair whose key begins with
// prefix, stopping early if fn returns an error.
func (d *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := append([]byte(nil), item.Key()...)
			if err := item.Value(func(v []byte) error {
				return fn(k, v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stop0    chan struct{}
	done     chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{db: db, interval: interval, ratio: ratio, logger: logger, stop0: make(chan struct{}), done: make(chan struct{})}
}

func (r *gcRunner) start() { go r.run() }

func (r *gcRunner) stop() {
	close(r.stop0)
	<-r.done
}

func (r *gcRunner) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop0:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if r.logger != nil {
					r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "audit/"

// BadgerConfig configures a BadgerSink.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the database in memory only. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs the value log on every record.
	// Default: true.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil, it is discarded.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a persistent, durable configuration at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerSink stores one key per record, keyed by start time and id, so the
// database always holds the latest version of each record in order.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSink struct {
	db *badger.DB
}

// OpenBadgerSink opens the database described by cfg.
//
// # Outputs
//
//   - *BadgerSink: Open sink. Caller must Close it.
//   - error: Non-nil if Path is missing for a persistent database or the
//     database cannot be opened.
func OpenBadgerSink(cfg BadgerConfig) (*BadgerSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent audit database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create audit database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func recordKey(rec Record) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d/%s", badgerKeyPrefix, rec.Timestamp.UnixNano(), rec.Seq, rec.ID))
}

// Write implements Sink. Later writes for the same record overwrite earlier ones.
func (s *BadgerSink) Write(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), val)
	})
}

// Records returns every stored record in sequence order.
func (s *BadgerSink) Records() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decoding audit record %s: %w", it.Item().Key(), err)
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Trail rebuilds a trail from the stored records.
func (s *BadgerSink) Trail() (*Trail, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	return Replay(records), nil
}

// Close closes the database.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}

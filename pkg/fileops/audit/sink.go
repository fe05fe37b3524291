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
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives every record write: the initial "started" append and each
// later update. Implementations must tolerate the same id being written
// more than once.
type Sink interface {
	Write(rec Record) error
	Close() error
}

// NopSink discards records.
type NopSink struct{}

// Write implements Sink.
func (NopSink) Write(Record) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }

// FileSink appends records to a JSON Lines file.
//
// Every write is a full copy of the record, so the file holds one line per
// state change. LoadFile collapses them back to one record per id.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	sync bool
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithFsync fsyncs the log after every record.
func WithFsync() FileSinkOption {
	return func(s *FileSink) { s.sync = true }
}

// OpenFileSink opens (creating if needed) the log at path for appending.
// The parent directory is created with mode 0750.
func OpenFileSink(path string, opts ...FileSinkOption) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if err := trimPartialLine(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing audit log %s: %w", path, err)
	}
	s := &FileSink{path: path, f: f, w: bufio.NewWriter(f)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// trimPartialLine drops a trailing record left incomplete by a crash so
// new records start on a fresh line.
func trimPartialLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	const block = 4096
	end := info.Size()
	for end > 0 {
		start := max(end-block, 0)
		chunk := make([]byte, end-start)
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if end == info.Size() && chunk[len(chunk)-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return f.Truncate(start + int64(i) + 1)
		}
		end = start
	}
	return f.Truncate(0)
}

// Path returns the log location.
func (s *FileSink) Path() string { return s.path }

// Write implements Sink.
func (s *FileSink) Write(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.sync {
		return s.f.Sync()
	}
	return nil
}

// Close flushes and closes the log.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	return errors.Join(flushErr, closeErr)
}

// LoadFile reads a JSON Lines log written by FileSink and rebuilds the
// trail it describes. A missing file yields an empty trail. A truncated
// final line, as left by a crash mid-write, is ignored.
func LoadFile(path string) (*Trail, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	return Replay(records), nil
}

// OpenLog restores the trail recorded at path and keeps appending new
// records to it. This is the usual way to get a process-wide trail.
//
// # Example
//
//	trail, err := audit.OpenLog(filepath.Join(home, ".atomicfs", "audit.jsonl"))
//	if err != nil {
//	    return err
//	}
//	defer trail.Close()
//	audit.SetDefault(trail)
func OpenLog(path string, opts ...FileSinkOption) (*Trail, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	sink, err := OpenFileSink(path, opts...)
	if err != nil {
		return nil, err
	}
	return Replay(records, WithSink(sink)), nil
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	var pending error
	for sc.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// only fatal if another line follows
			pending = fmt.Errorf("audit log %s line %d: %w", path, line, err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log %s: %w", path, err)
	}
	return records, nil
}

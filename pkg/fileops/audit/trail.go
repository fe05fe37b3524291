// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records every attempted file operation.
//
// # Overview
//
// A Trail is an append-only, ordered list of operation records. Each record
// is appended with status "started" when an operation begins and is updated
// in place exactly once, to "completed" or "failed", when it ends. Records
// are never removed or reordered.
//
// A Trail optionally mirrors every record to a Sink: FileSink appends JSON
// Lines to a log file, BadgerSink upserts records into an embedded
// key/value store.
//
// # Thread Safety
//
// Trail and Entry are safe for concurrent use. All methods on a nil *Trail
// or nil *Entry are no-ops, so components can run without auditing.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of operation being audited.
type Kind string

const (
	KindWrite       Kind = "write"
	KindCopy        Kind = "copy"
	KindMove        Kind = "move"
	KindDelete      Kind = "delete"
	KindUpdate      Kind = "update"
	KindMerge       Kind = "merge"
	KindRotate      Kind = "rotate"
	KindCleanup     Kind = "cleanup"
	KindTransaction Kind = "transaction"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Record is one audited operation attempt.
type Record struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Kind      Kind           `json:"kind"`
	Path      string         `json:"path,omitempty"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Batch     string         `json:"batch,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

func (r Record) clone() Record {
	if r.Metadata != nil {
		md := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

// Summary aggregates the records in a Trail.
type Summary struct {
	TotalOperations      int          `json:"total_operations"`
	SuccessfulOperations int          `json:"successful_operations"`
	FailedOperations     int          `json:"failed_operations"`
	PendingOperations    int          `json:"pending_operations"`
	FilesAffected        int          `json:"files_affected"`
	ByKind               map[Kind]int `json:"by_kind"`
}

// Filter selects records from Operations. Zero fields match everything.
type Filter struct {
	Batch  string
	Kind   Kind
	Status Status
	Path   string
}

func (f Filter) match(r Record) bool {
	if f.Batch != "" && r.Batch != f.Batch {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Path != "" && r.Path != f.Path {
		return false
	}
	return true
}

// Option configures a Trail.
type Option func(*Trail)

// WithSink mirrors every record write to sink.
func WithSink(sink Sink) Option {
	return func(t *Trail) { t.sink = sink }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Trail is the ordered, append-only audit log.
type Trail struct {
	mu      sync.Mutex
	records []Record
	index   map[string]int
	seq     uint64
	sink    Sink
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty in-memory trail.
//
// # Example
//
//	sink, err := audit.OpenFileSink("/var/log/atomicfs/audit.jsonl")
//	if err != nil {
//	    return err
//	}
//	trail := audit.New(audit.WithSink(sink))
//	defer trail.Close()
func New(opts ...Option) *Trail {
	t := &Trail{
		index:  make(map[string]int),
		logger: slog.Default().With("component", "audit.Trail"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Entry is a handle on a started record.
type Entry struct {
	trail *Trail
	id    string
}

// ID returns the record id, or "" for a nil entry.
func (e *Entry) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// Complete marks the record completed, merging metadata into it.
// Has no effect if the record already reached a terminal status.
func (e *Entry) Complete(metadata map[string]any) {
	if e == nil || e.trail == nil {
		return
	}
	e.trail.finish(e.id, StatusCompleted, nil, metadata)
}

// Fail marks the record failed with err's message.
// Has no effect if the record already reached a terminal status.
func (e *Entry) Fail(err error, metadata map[string]any) {
	if e == nil || e.trail == nil {
		return
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	e.trail.finish(e.id, StatusFailed, err, metadata)
}

// Annotate merges metadata into a record without changing its status.
func (e *Entry) Annotate(metadata map[string]any) {
	if e == nil || e.trail == nil || len(metadata) == 0 {
		return
	}
	e.trail.annotate(e.id, metadata)
}

// Start appends a "started" record and returns a handle to finish it.
//
// The batch label, if any, is taken from ctx (see WithBatch).
func (t *Trail) Start(ctx context.Context, kind Kind, path string, metadata map[string]any) *Entry {
	return t.StartWithID(ctx, "", kind, path, metadata)
}

// StartWithID is Start with the record keyed by id, so a caller's
// operation id resolves through Get. An empty id, or one already in the
// trail, gets a fresh one.
func (t *Trail) StartWithID(ctx context.Context, id string, kind Kind, path string, metadata map[string]any) *Entry {
	if t == nil {
		return nil
	}
	rec := t.append(ctx, id, kind, path, StatusStarted, "", metadata)
	return &Entry{trail: t, id: rec.ID}
}

// LogOperation appends a record with the given status in one step.
func (t *Trail) LogOperation(ctx context.Context, kind Kind, path string, metadata map[string]any, status Status) Record {
	if t == nil {
		return Record{}
	}
	if status == "" {
		status = StatusCompleted
	}
	rec := t.append(ctx, "", kind, path, status, "", metadata)
	if status.Terminal() {
		recordTransition(kind, status)
	}
	return rec
}

func (t *Trail) append(ctx context.Context, id string, kind Kind, path string, status Status, errMsg string, metadata map[string]any) Record {
	t.mu.Lock()
	if _, taken := t.index[id]; id == "" || taken {
		id = uuid.New().String()
	}
	t.seq++
	now := t.now()
	rec := Record{
		ID:        id,
		Seq:       t.seq,
		Kind:      kind,
		Path:      path,
		Status:    status,
		Error:     errMsg,
		Batch:     BatchFromContext(ctx),
		Timestamp: now,
	}
	if len(metadata) > 0 {
		rec.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			rec.Metadata[k] = v
		}
	}
	t.index[rec.ID] = len(t.records)
	t.records = append(t.records, rec)
	out := rec.clone()
	t.mu.Unlock()

	t.persist(out)
	return out
}

func (t *Trail) finish(id string, status Status, cause error, metadata map[string]any) {
	t.mu.Lock()
	i, ok := t.index[id]
	if !ok || t.records[i].Status.Terminal() {
		t.mu.Unlock()
		return
	}
	rec := &t.records[i]
	rec.Status = status
	rec.UpdatedAt = t.now()
	if cause != nil {
		rec.Error = cause.Error()
	}
	mergeMetadata(rec, metadata)
	out := rec.clone()
	t.mu.Unlock()

	recordTransition(out.Kind, status)
	t.persist(out)
}

func (t *Trail) annotate(id string, metadata map[string]any) {
	t.mu.Lock()
	i, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	mergeMetadata(&t.records[i], metadata)
	out := t.records[i].clone()
	t.mu.Unlock()

	t.persist(out)
}

func mergeMetadata(rec *Record, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
}

func (t *Trail) persist(rec Record) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Write(rec); err != nil {
		t.logger.Warn("audit sink write failed",
			"record_id", rec.ID,
			"status", rec.Status,
			"error", err)
	}
}

// Get returns a copy of the record with id.
func (t *Trail) Get(id string) (Record, bool) {
	if t == nil {
		return Record{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return Record{}, false
	}
	return t.records[i].clone(), true
}

// Operations returns copies of the records matching f, in insertion order.
func (t *Trail) Operations(f Filter) []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if f.match(r) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Len returns the number of records.
func (t *Trail) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Summary aggregates the trail: totals by status, distinct paths touched,
// and counts per kind.
func (t *Trail) Summary() Summary {
	s := Summary{ByKind: map[Kind]int{}}
	if t == nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return summarize(t.records)
}

func summarize(records []Record) Summary {
	s := Summary{ByKind: map[Kind]int{}}
	files := make(map[string]struct{})
	for _, r := range records {
		s.TotalOperations++
		s.ByKind[r.Kind]++
		switch r.Status {
		case StatusCompleted:
			s.SuccessfulOperations++
		case StatusFailed:
			s.FailedOperations++
		default:
			s.PendingOperations++
		}
		if r.Path != "" {
			files[r.Path] = struct{}{}
		}
	}
	s.FilesAffected = len(files)
	return s
}

// Replay builds an in-memory trail from previously persisted records.
//
// Records sharing an id collapse to the last version seen. The result is
// ordered by start time, then by sequence number, so logs appended by
// several processes interleave correctly.
func Replay(records []Record, opts ...Option) *Trail {
	latest := make(map[string]Record, len(records))
	for _, r := range records {
		latest[r.ID] = r
	}
	ordered := make([]Record, 0, len(latest))
	for _, r := range latest {
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	t := New(opts...)
	for _, r := range ordered {
		t.index[r.ID] = len(t.records)
		t.records = append(t.records, r)
		if r.Seq > t.seq {
			t.seq = r.Seq
		}
	}
	return t
}

// Close closes the sink, if any.
func (t *Trail) Close() error {
	if t == nil || t.sink == nil {
		return nil
	}
	return t.sink.Close()
}

type batchKey struct{}

// WithBatch returns a context whose audit records are tagged with label.
func WithBatch(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, batchKey{}, label)
}

// BatchFromContext returns the batch label carried by ctx, or "".
func BatchFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	label, _ := ctx.Value(batchKey{}).(string)
	return label
}

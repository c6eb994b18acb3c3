// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps per-path, capacity-bounded stacks of applied
// changes, enabling single-file undo.
package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ChangeType categorizes what an apply did to a file.
type ChangeType int

const (
	// ChangeCreated means the file did not exist before the apply.
	ChangeCreated ChangeType = iota

	// ChangeModified means existing content was replaced.
	ChangeModified

	// ChangeDeleted means the file was removed.
	ChangeDeleted

	// ChangeRenamed means the file was moved to a new path.
	ChangeRenamed
)

// String returns the string representation of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	case ChangeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileChangeRecord describes one applied mutation.
//
// # Description
//
// Records are pushed by the apply service on every successful mutation
// and popped (or located by id) during undo. A Created record never
// carries a backup path; every other type needs one to be undoable.
type FileChangeRecord struct {
	// ID uniquely identifies the record.
	ID string

	// Path is the normalized absolute path that was mutated.
	Path string

	// BackupPath locates the pre-mutation snapshot, if one was taken.
	BackupPath string

	// Type is what the apply did.
	Type ChangeType

	// HashBefore and HashAfter are content hashes around the mutation.
	// Empty when the file did not exist on that side.
	HashBefore string
	HashAfter  string

	// LinesAdded and LinesRemoved are the diff's line deltas.
	LinesAdded   int
	LinesRemoved int

	// CreatedAt is when the change was applied.
	CreatedAt time.Time

	// Undone marks a record whose change has been reverted.
	Undone bool
}

// Undoable reports whether the record can be reverted at all.
// Created changes are undone by deleting the file; everything else
// needs a backup to restore from.
func (r *FileChangeRecord) Undoable() bool {
	return !r.Undone && (r.Type == ChangeCreated || r.BackupPath != "")
}

// ContentHash returns the hash used for conflict detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(content))
}

// NewRecordID returns a fresh record identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// =============================================================================
// Store
// =============================================================================

// StoreOptions configures the history store.
type StoreOptions struct {
	// MaxDepth is the per-path stack capacity. Default: 50.
	MaxDepth int

	// UndoWindow is how long after an apply a record stays undoable.
	// Default: 15 minutes.
	UndoWindow time.Duration
}

// DefaultStoreOptions returns sensible defaults.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		MaxDepth:   50,
		UndoWindow: 15 * time.Minute,
	}
}

// Store holds per-path LIFO change stacks.
//
// # Description
//
// Each path keeps its most recent changes, newest last. Pushing past
// MaxDepth prunes the oldest entry. Records older than the undo window
// are pruned lazily on access.
//
// # Thread Safety
//
// Safe for concurrent use. Push and prune on one path are atomic.
type Store struct {
	mu     sync.RWMutex
	byPath map[string][]*FileChangeRecord
	opts   StoreOptions

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a history store.
func NewStore(opts *StoreOptions) *Store {
	options := DefaultStoreOptions()
	if opts != nil {
		if opts.MaxDepth > 0 {
			options.MaxDepth = opts.MaxDepth
		}
		if opts.UndoWindow > 0 {
			options.UndoWindow = opts.UndoWindow
		}
	}
	return &Store{
		byPath: make(map[string][]*FileChangeRecord),
		opts:   options,
		now:    time.Now,
	}
}

// Push records a new applied change.
//
// # Description
//
// Enforces the record invariant (Created never carries a backup path)
// and prunes the stack to MaxDepth.
//
// # Outputs
//
//   - error: Non-nil if the record violates the backup invariant.
func (s *Store) Push(record *FileChangeRecord) error {
	if record.Type == ChangeCreated && record.BackupPath != "" {
		return fmt.Errorf("created record must not carry a backup path: %s", record.Path)
	}
	if record.ID == "" {
		record.ID = NewRecordID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	record.Path = NormalizePath(record.Path)

	s.mu.Lock()
	defer s.mu.Unlock()

	stack := append(s.byPath[record.Path], record)
	if len(stack) > s.opts.MaxDepth {
		stack = stack[len(stack)-s.opts.MaxDepth:]
	}
	s.byPath[record.Path] = stack
	return nil
}

// Last returns the most recent non-undone record for a path, or nil.
func (s *Store) Last(path string) *FileChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stack := s.byPath[NormalizePath(path)]
	for i := len(stack) - 1; i >= 0; i-- {
		if !stack[i].Undone {
			snapshot := *stack[i]
			return &snapshot
		}
	}
	return nil
}

// LastUndoable returns the most recent record that is still inside the
// undo window and can be reverted, or nil.
func (s *Store) LastUndoable(path string) *FileChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-s.opts.UndoWindow)
	stack := s.byPath[NormalizePath(path)]
	for i := len(stack) - 1; i >= 0; i-- {
		rec := stack[i]
		if rec.Undone {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			return nil
		}
		if rec.Undoable() {
			snapshot := *rec
			return &snapshot
		}
	}
	return nil
}

// Get returns a record by id, or nil.
func (s *Store) Get(id string) *FileChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, stack := range s.byPath {
		for _, rec := range stack {
			if rec.ID == id {
				snapshot := *rec
				return &snapshot
			}
		}
	}
	return nil
}

// InUndoWindow reports whether a record is still undoable time-wise.
func (s *Store) InUndoWindow(rec *FileChangeRecord) bool {
	return !rec.CreatedAt.Before(s.now().Add(-s.opts.UndoWindow))
}

// MarkUndone flags a record as reverted.
func (s *Store) MarkUndone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stack := range s.byPath {
		for _, rec := range stack {
			if rec.ID == id {
				rec.Undone = true
				return true
			}
		}
	}
	return false
}

// History returns a path's records, newest first. Expired records are
// pruned as a side effect.
func (s *Store) History(path string) []FileChangeRecord {
	normalized := NormalizePath(path)

	s.mu.Lock()
	s.pruneExpiredLocked(normalized)
	stack := s.byPath[normalized]
	out := make([]FileChangeRecord, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, *stack[i])
	}
	s.mu.Unlock()
	return out
}

// Depth returns how many records a path currently holds.
func (s *Store) Depth(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPath[NormalizePath(path)])
}

// pruneExpiredLocked drops records older than the undo window.
// Must be called with the write lock held.
func (s *Store) pruneExpiredLocked(path string) {
	cutoff := s.now().Add(-s.opts.UndoWindow)
	stack := s.byPath[path]

	keep := stack[:0]
	for _, rec := range stack {
		if !rec.CreatedAt.Before(cutoff) {
			keep = append(keep, rec)
		}
	}
	if len(keep) == 0 {
		delete(s.byPath, path)
		return
	}
	s.byPath[path] = keep
}

// NormalizePath cleans a path for use as a history key.
func NormalizePath(path string) string {
	return filepath.Clean(path)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import "time"

// Options configures the single-file apply service.
type Options struct {
	// CheckConflicts compares the on-disk hash against the last
	// recorded hash before overwriting. Default: true.
	CheckConflicts bool

	// AllowOverwrite bypasses conflict checking when true.
	// Default: false.
	AllowOverwrite bool

	// CreateBackups snapshots existing targets before mutation.
	// Default: true.
	CreateBackups bool

	// CreateParentDirs creates missing parent directories on write.
	// Default: true.
	CreateParentDirs bool

	// PreserveLineEndings re-normalizes written content to match the
	// pre-existing file's dominant line-ending style. Default: true.
	PreserveLineEndings bool

	// MaxHistoryDepth caps each path's change history. Default: 50.
	MaxHistoryDepth int

	// UndoWindow is how long after an apply a change stays undoable.
	// Default: 15 minutes.
	UndoWindow time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		CheckConflicts:      true,
		AllowOverwrite:      false,
		CreateBackups:       true,
		CreateParentDirs:    true,
		PreserveLineEndings: true,
		MaxHistoryDepth:     50,
		UndoWindow:          15 * time.Minute,
	}
}

// ApplyResult is the structured outcome of one single-file operation.
//
// # Description
//
// Callers never infer state from errors alone: conflicts, validation
// failures, and classified I/O faults all land here as explicit
// fields.
type ApplyResult struct {
	// Path is the workspace-relative path that was targeted.
	Path string

	// Success indicates the operation completed.
	Success bool

	// Applied indicates bytes actually hit the disk (false for
	// previews and no-op results).
	Applied bool

	// Kind classifies the failure (ErrNone on success).
	Kind ErrorKind

	// Error is the failure message, empty on success.
	Error string

	// BackupPath is where the pre-mutation snapshot lives, if taken.
	BackupPath string

	// RecordID identifies the history record pushed for this change.
	RecordID string

	// BytesWritten is the size of the final file content.
	BytesWritten int64

	// LinesAdded and LinesRemoved are the change's line deltas.
	LinesAdded   int
	LinesRemoved int
}

// failure builds a failed result in place.
func failure(path string, kind ErrorKind, msg string) *ApplyResult {
	return &ApplyResult{Path: path, Kind: kind, Error: msg}
}

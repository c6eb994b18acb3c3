// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes line-level diffs between text blobs.
//
// # Description
//
// This package implements the diff engine: line alignment between an
// original and a proposed text, classification of each line, and
// grouping of changed lines into hunks with bounded context. It also
// resolves proposed code blocks (full-file replacements or line-range
// splices) against the current workspace content.
//
// # Thread Safety
//
// DiffResult and its nested types are immutable once produced and safe
// for concurrent reads. Engine is safe for concurrent use.
package diff

import "fmt"

// =============================================================================
// Line Types
// =============================================================================

// LineType categorizes a single diff line.
type LineType int

const (
	// LineUnchanged represents context lines present on both sides.
	LineUnchanged LineType = iota

	// LineAdded represents lines present only in the proposed text.
	LineAdded

	// LineRemoved represents lines present only in the original text.
	LineRemoved

	// LineModified represents a line changed in place (whitespace-only
	// differences between a removed/added pair).
	LineModified
)

// String returns the string representation of the line type.
func (lt LineType) String() string {
	switch lt {
	case LineUnchanged:
		return "unchanged"
	case LineAdded:
		return "added"
	case LineRemoved:
		return "removed"
	case LineModified:
		return "modified"
	default:
		return "unknown"
	}
}

// =============================================================================
// Diff Line
// =============================================================================

// DiffLine represents a single line in a diff.
//
// # Description
//
// Each line tracks its type, content, and line numbers in both the
// original and the proposed versions. A line number of zero means the
// line does not exist on that side.
type DiffLine struct {
	// Type is the line classification.
	Type LineType

	// Content is the line content without any prefix.
	Content string

	// OldNum is the 1-based line number in the original (0 if added).
	OldNum int

	// NewNum is the 1-based line number in the proposed text (0 if removed).
	NewNum int
}

// IsChange returns true if this line is not pure context.
func (l DiffLine) IsChange() bool {
	return l.Type != LineUnchanged
}

// =============================================================================
// Hunk
// =============================================================================

// DiffHunk represents a contiguous change region plus bounded context.
type DiffHunk struct {
	// Index is the zero-based position of this hunk within the diff.
	Index int

	// OldStart is the starting line number on the original side.
	OldStart int

	// OldCount is the number of original lines covered by the hunk.
	OldCount int

	// NewStart is the starting line number on the proposed side.
	NewStart int

	// NewCount is the number of proposed lines covered by the hunk.
	NewCount int

	// Lines contains all lines in this hunk, in order.
	Lines []DiffLine
}

// Header returns the unified diff header for this hunk.
func (h *DiffHunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// =============================================================================
// Stats
// =============================================================================

// DiffStats aggregates line tallies across the whole diff.
type DiffStats struct {
	Added     int
	Removed   int
	Modified  int
	Unchanged int
}

// Total returns the total number of classified lines.
func (s DiffStats) Total() int {
	return s.Added + s.Removed + s.Modified + s.Unchanged
}

// =============================================================================
// Diff Result
// =============================================================================

// DiffResult is the outcome of a diff computation.
//
// # Description
//
// Carries the normalized original and proposed texts, the ordered
// hunks, aggregate stats, and file-level flags. Immutable once
// produced.
type DiffResult struct {
	// Path is the workspace-relative path the diff targets.
	Path string

	// OriginalContent is the normalized original text ("" for new files).
	OriginalContent string

	// ProposedContent is the normalized proposed text ("" for deletions).
	ProposedContent string

	// Hunks contains the ordered change regions.
	Hunks []DiffHunk

	// Stats aggregates line counts across the diff.
	Stats DiffStats

	// IsNewFile indicates the target does not exist yet.
	IsNewFile bool

	// IsDeleteFile indicates the target is being removed.
	IsDeleteFile bool

	// IsBinaryFile indicates binary content was detected; no hunks are
	// produced for binary diffs.
	IsBinaryFile bool

	// BlockID identifies the source code block, if any.
	BlockID string
}

// HasChanges returns true if the diff contains at least one hunk.
func (r *DiffResult) HasChanges() bool {
	return len(r.Hunks) > 0
}

// =============================================================================
// Options
// =============================================================================

// Options configures diff computation.
type Options struct {
	// ContextLines is the number of unchanged lines retained around a
	// change region. Default: 3.
	ContextLines int

	// HunkSeparationThreshold is the length an unchanged run must reach
	// before the current hunk is closed. Default: 6.
	HunkSeparationThreshold int

	// TrimTrailingWhitespace strips trailing spaces and tabs from each
	// line before comparison. Default: false.
	TrimTrailingWhitespace bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ContextLines:            3,
		HunkSeparationThreshold: 6,
		TrimTrailingWhitespace:  false,
	}
}

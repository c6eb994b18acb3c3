// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ComputeDiff computes a line-level diff between two text blobs.
//
// # Description
//
// Both inputs are normalized (CRLF/CR become LF) and, if configured,
// trailing whitespace is trimmed per line. Equal normalized texts
// short-circuit to a zero-hunk result. Otherwise lines are aligned
// with an LCS-class matcher, classified, and grouped into hunks with
// bounded context.
//
// # Inputs
//
//   - original: The current text ("" for an empty file).
//   - proposed: The proposed replacement text.
//   - path: Workspace-relative path, recorded on the result.
//   - opts: Diff options (use DefaultOptions for defaults).
//
// # Outputs
//
//   - *DiffResult: Immutable diff result. Never nil.
func ComputeDiff(original, proposed, path string, opts Options) *DiffResult {
	opts = withDefaults(opts)

	result := &DiffResult{Path: path}

	if isBinary(original) || isBinary(proposed) {
		result.IsBinaryFile = true
		result.OriginalContent = original
		result.ProposedContent = proposed
		return result
	}

	origNorm := normalize(original, opts)
	propNorm := normalize(proposed, opts)
	result.OriginalContent = origNorm
	result.ProposedContent = propNorm

	if origNorm == propNorm {
		return result
	}

	lines, stats := classify(splitLines(origNorm), splitLines(propNorm))
	result.Stats = stats
	result.Hunks = groupHunks(lines, opts)
	return result
}

// ComputeNewFileDiff synthesizes a diff for a file that does not exist yet.
//
// The result carries a single hunk covering the whole proposed content
// as additions, with IsNewFile set.
func ComputeNewFileDiff(proposed, path string, opts Options) *DiffResult {
	opts = withDefaults(opts)

	result := &DiffResult{
		Path:            path,
		ProposedContent: normalize(proposed, opts),
		IsNewFile:       true,
	}
	if isBinary(proposed) {
		result.IsBinaryFile = true
		return result
	}

	lines := splitLines(result.ProposedContent)
	if len(lines) == 0 {
		return result
	}

	hunk := DiffHunk{NewStart: 1, NewCount: len(lines)}
	for i, content := range lines {
		hunk.Lines = append(hunk.Lines, DiffLine{
			Type:    LineAdded,
			Content: content,
			NewNum:  i + 1,
		})
	}
	result.Hunks = []DiffHunk{hunk}
	result.Stats = DiffStats{Added: len(lines)}
	return result
}

// ComputeDeleteFileDiff synthesizes a diff for a file that is being removed.
//
// The result carries a single hunk covering the whole original content
// as removals, with IsDeleteFile set.
func ComputeDeleteFileDiff(original, path string, opts Options) *DiffResult {
	opts = withDefaults(opts)

	result := &DiffResult{
		Path:            path,
		OriginalContent: normalize(original, opts),
		IsDeleteFile:    true,
	}
	if isBinary(original) {
		result.IsBinaryFile = true
		return result
	}

	lines := splitLines(result.OriginalContent)
	if len(lines) == 0 {
		return result
	}

	hunk := DiffHunk{OldStart: 1, OldCount: len(lines)}
	for i, content := range lines {
		hunk.Lines = append(hunk.Lines, DiffLine{
			Type:    LineRemoved,
			Content: content,
			OldNum:  i + 1,
		})
	}
	result.Hunks = []DiffHunk{hunk}
	result.Stats = DiffStats{Removed: len(lines)}
	return result
}

// =============================================================================
// Normalization
// =============================================================================

func withDefaults(opts Options) Options {
	if opts.ContextLines <= 0 {
		opts.ContextLines = DefaultOptions().ContextLines
	}
	if opts.HunkSeparationThreshold <= 0 {
		opts.HunkSeparationThreshold = DefaultOptions().HunkSeparationThreshold
	}
	return opts
}

// normalize converts all line endings to LF and optionally trims
// trailing whitespace per line.
func normalize(text string, opts Options) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if !opts.TrimTrailingWhitespace {
		return text
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// isBinary reports whether the text looks like binary content.
func isBinary(text string) bool {
	return strings.IndexByte(text, 0) >= 0
}

// splitLines splits text into lines without their terminators.
// An empty text has zero lines; a trailing newline yields a final
// empty line, which keeps joins round-trippable.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// =============================================================================
// Classification
// =============================================================================

// classify aligns original and proposed lines and labels each line.
//
// Replace regions pair old and new lines positionally: a pair that
// differs only in trailing whitespace becomes a single Modified line;
// any other replace region is emitted as removals followed by
// additions.
func classify(oldLines, newLines []string) ([]DiffLine, DiffStats) {
	matcher := difflib.NewMatcher(oldLines, newLines)

	var lines []DiffLine
	var stats DiffStats

	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for k := 0; k < op.I2-op.I1; k++ {
				lines = append(lines, DiffLine{
					Type:    LineUnchanged,
					Content: oldLines[op.I1+k],
					OldNum:  op.I1 + k + 1,
					NewNum:  op.J1 + k + 1,
				})
				stats.Unchanged++
			}

		case 'd':
			for i := op.I1; i < op.I2; i++ {
				lines = append(lines, DiffLine{
					Type:    LineRemoved,
					Content: oldLines[i],
					OldNum:  i + 1,
				})
				stats.Removed++
			}

		case 'i':
			for j := op.J1; j < op.J2; j++ {
				lines = append(lines, DiffLine{
					Type:    LineAdded,
					Content: newLines[j],
					NewNum:  j + 1,
				})
				stats.Added++
			}

		case 'r':
			if whitespaceOnlyReplace(oldLines[op.I1:op.I2], newLines[op.J1:op.J2]) {
				for k := 0; k < op.I2-op.I1; k++ {
					lines = append(lines, DiffLine{
						Type:    LineModified,
						Content: newLines[op.J1+k],
						OldNum:  op.I1 + k + 1,
						NewNum:  op.J1 + k + 1,
					})
					stats.Modified++
				}
				continue
			}
			for i := op.I1; i < op.I2; i++ {
				lines = append(lines, DiffLine{
					Type:    LineRemoved,
					Content: oldLines[i],
					OldNum:  i + 1,
				})
				stats.Removed++
			}
			for j := op.J1; j < op.J2; j++ {
				lines = append(lines, DiffLine{
					Type:    LineAdded,
					Content: newLines[j],
					NewNum:  j + 1,
				})
				stats.Added++
			}
		}
	}

	return lines, stats
}

// whitespaceOnlyReplace reports whether a replace region is a 1:1 pairing
// where every pair differs only in trailing whitespace.
func whitespaceOnlyReplace(oldLines, newLines []string) bool {
	if len(oldLines) != len(newLines) {
		return false
	}
	for i := range oldLines {
		if strings.TrimRight(oldLines[i], " \t") != strings.TrimRight(newLines[i], " \t") {
			return false
		}
	}
	return true
}

// =============================================================================
// Hunk Grouping
// =============================================================================

// groupHunks groups classified lines into hunks with bounded context.
//
// A hunk opens on the first changed line, retaining up to ContextLines
// of preceding context. It closes once an unchanged run reaches
// HunkSeparationThreshold; trailing context beyond ContextLines is
// trimmed on close.
func groupHunks(lines []DiffLine, opts Options) []DiffHunk {
	var hunks []DiffHunk
	var current []DiffLine
	var pending []DiffLine

	unchangedRun := 0
	open := false
	lastOld, lastNew := 0, 0

	closeCurrent := func() {
		trim := unchangedRun - opts.ContextLines
		if trim > 0 {
			// The trimmed tail of the unchanged run seeds the next
			// hunk's leading context.
			cut := current[len(current)-trim:]
			if len(cut) > opts.ContextLines {
				cut = cut[len(cut)-opts.ContextLines:]
			}
			pending = append([]DiffLine(nil), cut...)
			current = current[:len(current)-trim]
		}
		hunks = append(hunks, buildHunk(current, len(hunks), lastOld, lastNew))
		current = nil
		open = false
		unchangedRun = 0
	}

	for _, line := range lines {
		if line.Type == LineUnchanged {
			if open {
				current = append(current, line)
				unchangedRun++
				if unchangedRun >= opts.HunkSeparationThreshold {
					closeCurrent()
				}
			} else {
				pending = append(pending, line)
				if len(pending) > opts.ContextLines {
					pending = pending[1:]
				}
			}
		} else {
			if !open {
				current = append(current, pending...)
				pending = nil
				open = true
			}
			current = append(current, line)
			unchangedRun = 0
		}

		if line.OldNum > 0 {
			lastOld = line.OldNum
		}
		if line.NewNum > 0 {
			lastNew = line.NewNum
		}
	}

	if open {
		closeCurrent()
	}
	return hunks
}

// buildHunk derives the header fields from a hunk's lines.
func buildHunk(lines []DiffLine, index, lastOld, lastNew int) DiffHunk {
	hunk := DiffHunk{Index: index, Lines: lines}

	for _, line := range lines {
		if line.OldNum > 0 {
			if hunk.OldStart == 0 {
				hunk.OldStart = line.OldNum
			}
			hunk.OldCount++
		}
		if line.NewNum > 0 {
			if hunk.NewStart == 0 {
				hunk.NewStart = line.NewNum
			}
			hunk.NewCount++
		}
	}

	// Pure insertions or deletions anchor to the line they follow.
	if hunk.OldStart == 0 {
		hunk.OldStart = lastOld
	}
	if hunk.NewStart == 0 {
		hunk.NewStart = lastNew
	}
	return hunk
}

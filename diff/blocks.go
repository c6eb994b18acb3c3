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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidBlock marks a malformed block or an out-of-range line
// request. Callers can distinguish these producer-side mistakes from
// I/O failures with errors.Is.
var ErrInvalidBlock = errors.New("invalid code block")

// =============================================================================
// Code Blocks
// =============================================================================

// CodeBlock is a proposed edit produced by an upstream block producer.
//
// # Description
//
// The engine only consumes code blocks, it never originates them. A
// block either replaces the whole file (IsCompleteFile), splices a
// 1-based inclusive line range [StartLine, EndLine], or, absent both,
// falls back to full replacement.
type CodeBlock struct {
	// ID identifies the source block (carried onto the DiffResult).
	ID string

	// TargetPath is the workspace-relative path the block targets.
	TargetPath string

	// Content is the proposed text.
	Content string

	// IsCompleteFile marks the block as a full-file replacement.
	IsCompleteFile bool

	// StartLine and EndLine bound an explicit line-range replacement.
	// Zero values mean no range was supplied.
	StartLine int
	EndLine   int

	// Language is the detected language, informational only.
	Language string
}

// HasLineRange returns true if the block carries an explicit range.
func (b *CodeBlock) HasLineRange() bool {
	return b.StartLine > 0 || b.EndLine > 0
}

// FileReader provides current workspace content for block resolution.
type FileReader interface {
	Exists(path string) bool
	ReadFile(path string) (string, error)
}

// =============================================================================
// Engine
// =============================================================================

// Engine resolves code blocks against a workspace and computes diffs.
//
// # Thread Safety
//
// Safe for concurrent use; the engine holds no mutable state.
type Engine struct {
	root   string
	reader FileReader
	opts   Options
}

// NewEngine creates a diff engine rooted at an absolute workspace path.
func NewEngine(root string, reader FileReader, opts Options) (*Engine, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute: %s", root)
	}
	if reader == nil {
		return nil, fmt.Errorf("file reader is required")
	}
	return &Engine{root: root, reader: reader, opts: withDefaults(opts)}, nil
}

// Options returns the engine's diff options.
func (e *Engine) Options() Options {
	return e.opts
}

// ComputeDiffForBlock resolves a block's proposed content and diffs it
// against the current file.
//
// # Description
//
// Resolution order: a missing target yields a new-file diff; a
// complete-file block replaces everything; a block with an explicit
// line range splices [StartLine, EndLine]; anything else falls back to
// full replacement.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - block: The proposed block. TargetPath must be non-empty.
//
// # Outputs
//
//   - *DiffResult: The computed diff.
//   - error: Non-nil on read failures or an out-of-range line request.
func (e *Engine) ComputeDiffForBlock(ctx context.Context, block *CodeBlock) (*DiffResult, error) {
	if block.TargetPath == "" {
		return nil, fmt.Errorf("%w: block has no target path", ErrInvalidBlock)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(e.root, block.TargetPath)
	if !e.reader.Exists(fullPath) {
		result := ComputeNewFileDiff(block.Content, block.TargetPath, e.opts)
		result.BlockID = block.ID
		return result, nil
	}

	current, err := e.reader.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", block.TargetPath, err)
	}

	proposed := block.Content
	if !block.IsCompleteFile && block.HasLineRange() {
		proposed, err = spliceLineRange(normalize(current, e.opts), block)
		if err != nil {
			return nil, err
		}
	}

	result := ComputeDiff(current, proposed, block.TargetPath, e.opts)
	result.BlockID = block.ID
	return result, nil
}

// ComputeMergedDiff picks one block when several target the same path.
//
// # Description
//
// Prefers the last complete-file replacement block; if none exists,
// the first block wins. This is a deliberate tie-break, not a
// multi-hunk merge: later partial blocks targeting the same path are
// dropped.
func (e *Engine) ComputeMergedDiff(ctx context.Context, blocks []*CodeBlock) (*DiffResult, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks to merge", ErrInvalidBlock)
	}

	chosen := blocks[0]
	for _, block := range blocks {
		if block.IsCompleteFile {
			chosen = block
		}
	}
	return e.ComputeDiffForBlock(ctx, chosen)
}

// spliceLineRange replaces lines [StartLine, EndLine] of current with
// the block content.
//
// A start below 1 or beyond length+1, or an end before start, is a
// programming error on the producer side and is rejected. The end
// bound is clamped to the file length.
func spliceLineRange(current string, block *CodeBlock) (string, error) {
	lines := splitLines(current)

	start := block.StartLine
	end := block.EndLine

	if start < 1 {
		return "", fmt.Errorf("%w: line range start %d is below 1 for %s", ErrInvalidBlock, start, block.TargetPath)
	}
	if start > len(lines)+1 {
		return "", fmt.Errorf("%w: line range start %d is beyond file length %d for %s", ErrInvalidBlock, start, len(lines), block.TargetPath)
	}
	if end < start {
		return "", fmt.Errorf("%w: line range end %d precedes start %d for %s", ErrInvalidBlock, end, start, block.TargetPath)
	}
	if end > len(lines) {
		end = len(lines)
	}

	replacement := splitLines(strings.ReplaceAll(strings.ReplaceAll(block.Content, "\r\n", "\n"), "\r", "\n"))

	var out []string
	out = append(out, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n"), nil
}

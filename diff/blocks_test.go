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
	"path/filepath"
	"testing"
)

// mapReader is an in-memory FileReader keyed by absolute path.
type mapReader map[string]string

func (m mapReader) Exists(path string) bool {
	_, ok := m[path]
	return ok
}

func (m mapReader) ReadFile(path string) (string, error) {
	return m[path], nil
}

func newTestEngine(t *testing.T, files mapReader) (*Engine, string) {
	t.Helper()
	root := "/work"
	reader := make(mapReader, len(files))
	for rel, content := range files {
		reader[filepath.Join(root, rel)] = content
	}
	engine, err := NewEngine(root, reader, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	return engine, root
}

func TestNewEngine(t *testing.T) {
	t.Run("relative_root_rejected", func(t *testing.T) {
		_, err := NewEngine("relative/root", mapReader{}, DefaultOptions())
		if err == nil {
			t.Fatal("expected error for relative root")
		}
	})

	t.Run("nil_reader_rejected", func(t *testing.T) {
		_, err := NewEngine("/work", nil, DefaultOptions())
		if err == nil {
			t.Fatal("expected error for nil reader")
		}
	})
}

func TestEngine_ComputeDiffForBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_target_is_new_file", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{})
		result, err := engine.ComputeDiffForBlock(ctx, &CodeBlock{
			ID:         "blk-1",
			TargetPath: "fresh.go",
			Content:    "line1\nline2",
		})
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsNewFile {
			t.Fatal("expected new-file diff")
		}
		if result.BlockID != "blk-1" {
			t.Fatalf("BlockID = %q", result.BlockID)
		}
	})

	t.Run("complete_file_replaces_everything", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "old1\nold2\nold3"})
		result, err := engine.ComputeDiffForBlock(ctx, &CodeBlock{
			TargetPath:     "main.go",
			Content:        "new1",
			IsCompleteFile: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.ProposedContent != "new1" {
			t.Fatalf("ProposedContent = %q", result.ProposedContent)
		}
	})

	t.Run("line_range_splices", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "a\nb\nc\nd"})
		result, err := engine.ComputeDiffForBlock(ctx, &CodeBlock{
			TargetPath: "main.go",
			Content:    "B\nB2",
			StartLine:  2,
			EndLine:    3,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.ProposedContent != "a\nB\nB2\nd" {
			t.Fatalf("ProposedContent = %q", result.ProposedContent)
		}
	})

	t.Run("end_clamped_to_file_length", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "a\nb"})
		result, err := engine.ComputeDiffForBlock(ctx, &CodeBlock{
			TargetPath: "main.go",
			Content:    "X",
			StartLine:  2,
			EndLine:    99,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.ProposedContent != "a\nX" {
			t.Fatalf("ProposedContent = %q", result.ProposedContent)
		}
	})

	t.Run("out_of_range_start_rejected", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "a\nb"})

		for _, block := range []*CodeBlock{
			{TargetPath: "main.go", Content: "X", StartLine: -1, EndLine: 1},
			{TargetPath: "main.go", Content: "X", StartLine: 4, EndLine: 5},
			{TargetPath: "main.go", Content: "X", StartLine: 2, EndLine: 1},
		} {
			_, err := engine.ComputeDiffForBlock(ctx, block)
			if err == nil {
				t.Errorf("expected error for range [%d,%d]", block.StartLine, block.EndLine)
				continue
			}
			if !errors.Is(err, ErrInvalidBlock) {
				t.Errorf("range [%d,%d]: error %v should match ErrInvalidBlock", block.StartLine, block.EndLine, err)
			}
		}
	})

	t.Run("empty_target_path_rejected", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{})
		if _, err := engine.ComputeDiffForBlock(ctx, &CodeBlock{Content: "x"}); err == nil {
			t.Fatal("expected error for empty target path")
		}
	})

	t.Run("cancelled_context", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{})
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := engine.ComputeDiffForBlock(cancelled, &CodeBlock{TargetPath: "x.go"}); err == nil {
			t.Fatal("expected context error")
		}
	})
}

func TestEngine_ComputeMergedDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("last_complete_file_wins", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "old"})
		blocks := []*CodeBlock{
			{TargetPath: "main.go", Content: "partial", StartLine: 1, EndLine: 1},
			{TargetPath: "main.go", Content: "full-1", IsCompleteFile: true},
			{TargetPath: "main.go", Content: "full-2", IsCompleteFile: true},
		}
		result, err := engine.ComputeMergedDiff(ctx, blocks)
		if err != nil {
			t.Fatal(err)
		}
		if result.ProposedContent != "full-2" {
			t.Fatalf("ProposedContent = %q, want the last complete-file block", result.ProposedContent)
		}
	})

	t.Run("first_block_wins_without_complete_file", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{"main.go": "a\nb"})
		blocks := []*CodeBlock{
			{TargetPath: "main.go", Content: "first", StartLine: 1, EndLine: 1},
			{TargetPath: "main.go", Content: "second", StartLine: 2, EndLine: 2},
		}
		result, err := engine.ComputeMergedDiff(ctx, blocks)
		if err != nil {
			t.Fatal(err)
		}
		if result.ProposedContent != "first\nb" {
			t.Fatalf("ProposedContent = %q, want the first block applied", result.ProposedContent)
		}
	})

	t.Run("empty_blocks_rejected", func(t *testing.T) {
		engine, _ := newTestEngine(t, mapReader{})
		if _, err := engine.ComputeMergedDiff(ctx, nil); err == nil {
			t.Fatal("expected error for empty block list")
		}
	})
}

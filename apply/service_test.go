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

import (
	"context"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchkit/backup"
	"github.com/AleutianAI/patchkit/diff"
	"github.com/AleutianAI/patchkit/history"
	"github.com/AleutianAI/patchkit/workspace"
)

const testRoot = "/work"

// readDeniedFS injects a permission failure on reads of one path.
type readDeniedFS struct {
	*workspace.FS
	failPath string
}

func (f *readDeniedFS) ReadFile(path string) (string, error) {
	if path == f.failPath {
		return "", fmt.Errorf("reading %s: %w", path, fs.ErrPermission)
	}
	return f.FS.ReadFile(path)
}

func newTestService(t *testing.T, opts Options) (*Service, *workspace.FS) {
	t.Helper()
	fs := workspace.NewMemFilesystem()
	if err := fs.MkdirAll(testRoot); err != nil {
		t.Fatal(err)
	}
	backups := backup.NewManager(fs, backup.DefaultConfig())
	svc, err := NewService(testRoot, fs, backups, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc, fs
}

func TestNewService(t *testing.T) {
	t.Run("relative_root_rejected", func(t *testing.T) {
		fs := workspace.NewMemFilesystem()
		backups := backup.NewManager(fs, backup.DefaultConfig())
		if _, err := NewService("relative/root", fs, backups, DefaultOptions(), nil); err == nil {
			t.Fatal("expected error for relative root")
		}
	})

	t.Run("nil_collaborators_rejected", func(t *testing.T) {
		fs := workspace.NewMemFilesystem()
		backups := backup.NewManager(fs, backup.DefaultConfig())
		if _, err := NewService(testRoot, nil, backups, DefaultOptions(), nil); err == nil {
			t.Fatal("expected error for nil filesystem")
		}
		if _, err := NewService(testRoot, fs, nil, DefaultOptions(), nil); err == nil {
			t.Fatal("expected error for nil backup manager")
		}
	})
}

func TestService_ApplyDiff_NewFile(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	d := diff.ComputeNewFileDiff("line1\nline2", "fresh.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || !result.Applied {
		t.Fatalf("result = %+v", result)
	}
	if result.RecordID == "" {
		t.Error("a history record should be pushed")
	}

	content, err := fs.ReadFile(testRoot + "/fresh.txt")
	if err != nil {
		t.Fatal(err)
	}
	if content != "line1\nline2" {
		t.Fatalf("content = %q", content)
	}

	records := svc.GetChangeHistory("fresh.txt")
	if len(records) != 1 || records[0].Type != history.ChangeCreated {
		t.Fatalf("history = %+v", records)
	}
	if records[0].BackupPath != "" {
		t.Error("created record must not carry a backup path")
	}
}

func TestService_ApplyDiff_ModifyTakesBackup(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	if err := fs.WriteFile(testRoot+"/f.txt", "a\nb\nc"); err != nil {
		t.Fatal(err)
	}

	d := diff.ComputeDiff("a\nb\nc", "a\nX\nc", "f.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.BackupPath == "" {
		t.Fatal("a backup should be taken for an existing target")
	}
	if !fs.Exists(result.BackupPath) {
		t.Fatal("backup file missing")
	}

	content, _ := fs.ReadFile(testRoot + "/f.txt")
	if content != "a\nX\nc" {
		t.Fatalf("content = %q", content)
	}

	backupContent, _ := fs.ReadFile(result.BackupPath)
	if backupContent != "a\nb\nc" {
		t.Fatalf("backup content = %q", backupContent)
	}
}

func TestService_ApplyDiff_NoChangesIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, DefaultOptions())

	d := diff.ComputeDiff("same", "same", "f.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Applied {
		t.Fatalf("no-change diff should succeed without writing, got %+v", result)
	}
}

func TestService_ApplyDiff_Binary(t *testing.T) {
	svc, _ := newTestService(t, DefaultOptions())

	d := diff.ComputeDiff("a\x00b", "c", "blob.bin", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Kind != ErrValidation {
		t.Fatalf("binary diff should fail validation, got %+v", result)
	}
}

func TestService_ApplyDiff_PathEscape(t *testing.T) {
	svc, _ := newTestService(t, DefaultOptions())

	d := diff.ComputeNewFileDiff("x", "../outside.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Kind != ErrValidation {
		t.Fatalf("escaping path should fail validation, got %+v", result)
	}
}

func TestService_DotPrefixedName(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	// A name that merely starts with dots stays inside the root.
	d := diff.ComputeNewFileDiff("x", "..config.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if !fs.Exists(testRoot + "/..config.txt") {
		t.Fatal("file should be written inside the root")
	}
}

func TestService_ApplyCodeBlock_ErrorKinds(t *testing.T) {
	t.Run("read_failure_keeps_classified_kind", func(t *testing.T) {
		inner := workspace.NewMemFilesystem()
		filesystem := &readDeniedFS{FS: inner, failPath: testRoot + "/locked.txt"}
		if err := filesystem.MkdirAll(testRoot); err != nil {
			t.Fatal(err)
		}
		if err := inner.WriteFile(testRoot+"/locked.txt", "content"); err != nil {
			t.Fatal(err)
		}
		backups := backup.NewManager(filesystem, backup.DefaultConfig())
		svc, err := NewService(testRoot, filesystem, backups, DefaultOptions(), nil)
		if err != nil {
			t.Fatal(err)
		}

		block := &diff.CodeBlock{TargetPath: "locked.txt", Content: "new", IsCompleteFile: true}
		result, err := svc.ApplyCodeBlock(context.Background(), block)
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.Kind != ErrPermission {
			t.Fatalf("kind = %v, want permission denied", result.Kind)
		}
	})

	t.Run("bad_line_range_is_validation", func(t *testing.T) {
		svc, memFS := newTestService(t, DefaultOptions())
		if err := memFS.WriteFile(testRoot+"/r.txt", "a\nb\nc"); err != nil {
			t.Fatal(err)
		}

		block := &diff.CodeBlock{TargetPath: "r.txt", Content: "x", StartLine: 99, EndLine: 100}
		result, err := svc.ApplyCodeBlock(context.Background(), block)
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.Kind != ErrValidation {
			t.Fatalf("kind = %v, want validation", result.Kind)
		}
	})

	t.Run("missing_target_path_is_validation", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultOptions())

		result, err := svc.ApplyCodeBlock(context.Background(), &diff.CodeBlock{Content: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.Kind != ErrValidation {
			t.Fatalf("kind = %v, want validation", result.Kind)
		}
	})
}

func TestService_ConflictDetection(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	first := diff.ComputeNewFileDiff("v1", "f.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), first); !result.Success {
		t.Fatalf("first apply failed: %+v", result)
	}

	// External edit behind the service's back.
	if err := fs.WriteFile(testRoot+"/f.txt", "tampered"); err != nil {
		t.Fatal(err)
	}

	conflicted, err := svc.CheckForConflicts(context.Background(), "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !conflicted {
		t.Fatal("CheckForConflicts should detect the external edit")
	}

	second := diff.ComputeDiff("v1", "v2", "f.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Kind != ErrConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}

	content, _ := fs.ReadFile(testRoot + "/f.txt")
	if content != "tampered" {
		t.Fatalf("conflicting apply must not write, content = %q", content)
	}
}

func TestService_ConflictOnDelete(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	first := diff.ComputeNewFileDiff("v1", "f.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), first); !result.Success {
		t.Fatalf("first apply failed: %+v", result)
	}
	if err := fs.WriteFile(testRoot+"/f.txt", "tampered"); err != nil {
		t.Fatal(err)
	}

	del := diff.ComputeDeleteFileDiff("v1", "f.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(context.Background(), del)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Kind != ErrConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if !fs.Exists(testRoot + "/f.txt") {
		t.Fatal("conflicting delete must not remove the file")
	}
}

func TestService_ConflictOverridden(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowOverwrite = true
	svc, fs := newTestService(t, opts)

	first := diff.ComputeNewFileDiff("v1", "f.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), first); !result.Success {
		t.Fatalf("first apply failed: %+v", result)
	}
	if err := fs.WriteFile(testRoot+"/f.txt", "tampered"); err != nil {
		t.Fatal(err)
	}

	second := diff.ComputeDiff("v1", "v2", "f.txt", diff.DefaultOptions())
	result, _ := svc.ApplyDiff(context.Background(), second)
	if !result.Success {
		t.Fatalf("overwrite-allowed apply should succeed, got %+v", result)
	}
}

func TestService_PreviewApply(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	d := diff.ComputeNewFileDiff("line1\nline2", "preview.txt", diff.DefaultOptions())
	result, err := svc.PreviewApply(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Applied {
		t.Fatalf("preview should succeed without applying, got %+v", result)
	}
	if fs.Exists(testRoot + "/preview.txt") {
		t.Fatal("preview must not touch disk")
	}
}

func TestService_Undo(t *testing.T) {
	t.Run("created_file_is_deleted", func(t *testing.T) {
		svc, fs := newTestService(t, DefaultOptions())

		d := diff.ComputeNewFileDiff("content", "u.txt", diff.DefaultOptions())
		if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
			t.Fatalf("apply failed: %+v", result)
		}

		result, err := svc.UndoLastChange(context.Background(), "u.txt")
		if err != nil {
			t.Fatal(err)
		}
		if !result.Success {
			t.Fatalf("undo failed: %+v", result)
		}
		if fs.Exists(testRoot + "/u.txt") {
			t.Fatal("undoing a creation should delete the file")
		}
	})

	t.Run("modified_file_is_restored", func(t *testing.T) {
		svc, fs := newTestService(t, DefaultOptions())

		if err := fs.WriteFile(testRoot+"/u.txt", "before"); err != nil {
			t.Fatal(err)
		}
		d := diff.ComputeDiff("before", "after", "u.txt", diff.DefaultOptions())
		if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
			t.Fatalf("apply failed: %+v", result)
		}

		if result, _ := svc.UndoLastChange(context.Background(), "u.txt"); !result.Success {
			t.Fatalf("undo failed: %+v", result)
		}
		content, _ := fs.ReadFile(testRoot + "/u.txt")
		if content != "before" {
			t.Fatalf("content = %q, want before", content)
		}
	})

	t.Run("undo_by_record_id", func(t *testing.T) {
		svc, fs := newTestService(t, DefaultOptions())

		d := diff.ComputeNewFileDiff("content", "u.txt", diff.DefaultOptions())
		applied, _ := svc.ApplyDiff(context.Background(), d)
		if !applied.Success {
			t.Fatalf("apply failed: %+v", applied)
		}

		result, err := svc.UndoChange(context.Background(), applied.RecordID)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Success {
			t.Fatalf("undo by id failed: %+v", result)
		}
		if fs.Exists(testRoot + "/u.txt") {
			t.Fatal("file should be gone")
		}
	})

	t.Run("unknown_record_id", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultOptions())
		result, err := svc.UndoChange(context.Background(), "no-such-id")
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.Kind != ErrValidation {
			t.Fatalf("expected validation failure, got %+v", result)
		}
	})

	t.Run("second_undo_finds_nothing", func(t *testing.T) {
		svc, _ := newTestService(t, DefaultOptions())

		d := diff.ComputeNewFileDiff("content", "u.txt", diff.DefaultOptions())
		if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
			t.Fatalf("apply failed: %+v", result)
		}
		if result, _ := svc.UndoLastChange(context.Background(), "u.txt"); !result.Success {
			t.Fatalf("first undo failed: %+v", result)
		}

		result, _ := svc.UndoLastChange(context.Background(), "u.txt")
		if result.Success {
			t.Fatal("second undo should find nothing undoable")
		}
	})
}

func TestService_UndoWindow(t *testing.T) {
	opts := DefaultOptions()
	opts.UndoWindow = 30 * time.Millisecond
	svc, _ := newTestService(t, opts)

	d := diff.ComputeNewFileDiff("content", "w.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
		t.Fatalf("apply failed: %+v", result)
	}

	time.Sleep(60 * time.Millisecond)

	result, err := svc.UndoLastChange(context.Background(), "w.txt")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("undo must fail once the window has elapsed")
	}
}

func TestService_PreserveLineEndings(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	if err := fs.WriteFile(testRoot+"/dos.txt", "a\r\nb\r\nc"); err != nil {
		t.Fatal(err)
	}

	d := diff.ComputeDiff("a\r\nb\r\nc", "a\nX\nc", "dos.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
		t.Fatalf("apply failed: %+v", result)
	}

	content, _ := fs.ReadFile(testRoot + "/dos.txt")
	if content != "a\r\nX\r\nc" {
		t.Fatalf("content = %q, CRLF style should be preserved", content)
	}
}

func TestService_SerializedWrites(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())

	contentA := "aaaa\naaaa\naaaa"
	contentB := "bbbb\nbbbb\nbbbb"

	var g errgroup.Group
	g.Go(func() error {
		_, err := svc.WriteFile(context.Background(), "race.txt", contentA, "")
		return err
	})
	g.Go(func() error {
		_, err := svc.WriteFile(context.Background(), "race.txt", contentB, "")
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	final, err := fs.ReadFile(testRoot + "/race.txt")
	if err != nil {
		t.Fatal(err)
	}
	if final != contentA && final != contentB {
		t.Fatalf("final content %q is a splice of both writers", final)
	}
}

func TestService_DeleteAndRename(t *testing.T) {
	svc, fs := newTestService(t, DefaultOptions())
	ctx := context.Background()

	if err := fs.WriteFile(testRoot+"/old.txt", "content"); err != nil {
		t.Fatal(err)
	}

	result, err := svc.RenameFile(ctx, "old.txt", "sub/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("rename failed: %+v", result)
	}
	if fs.Exists(testRoot+"/old.txt") || !fs.Exists(testRoot+"/sub/new.txt") {
		t.Fatal("rename did not move the file")
	}

	result, err = svc.DeleteFile(ctx, "sub/new.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("delete failed: %+v", result)
	}
	if fs.Exists(testRoot + "/sub/new.txt") {
		t.Fatal("file should be deleted")
	}

	t.Run("rename_missing_source", func(t *testing.T) {
		result, err := svc.RenameFile(ctx, "ghost.txt", "x.txt")
		if err != nil {
			t.Fatal(err)
		}
		if result.Success || result.Kind != ErrValidation {
			t.Fatalf("expected validation failure, got %+v", result)
		}
	})
}

func TestService_Events(t *testing.T) {
	svc, _ := newTestService(t, DefaultOptions())

	events, cancel := svc.Subscribe(8)
	defer cancel()

	d := diff.ComputeNewFileDiff("content", "e.txt", diff.DefaultOptions())
	if result, _ := svc.ApplyDiff(context.Background(), d); !result.Success {
		t.Fatalf("apply failed: %+v", result)
	}

	select {
	case event := <-events:
		if event.Type != EventChangeApplied {
			t.Fatalf("event type = %v", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestService_CancelledContext(t *testing.T) {
	svc, _ := newTestService(t, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := diff.ComputeNewFileDiff("content", "c.txt", diff.DefaultOptions())
	result, err := svc.ApplyDiff(ctx, d)
	if err == nil {
		t.Fatal("expected context error")
	}
	if result.Kind != ErrCancelled {
		t.Fatalf("kind = %v, want cancelled", result.Kind)
	}
}

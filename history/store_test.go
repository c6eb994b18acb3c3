// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"fmt"
	"testing"
	"time"
)

func TestStore_PushInvariant(t *testing.T) {
	store := NewStore(nil)

	err := store.Push(&FileChangeRecord{
		Path:       "/work/a.txt",
		Type:       ChangeCreated,
		BackupPath: "/backups/a.bak",
	})
	if err == nil {
		t.Fatal("created record with a backup path must be rejected")
	}

	if err := store.Push(&FileChangeRecord{Path: "/work/a.txt", Type: ChangeCreated}); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(&FileChangeRecord{
		Path:       "/work/a.txt",
		Type:       ChangeModified,
		BackupPath: "/backups/a.bak",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestStore_PushAssignsIDAndTimestamp(t *testing.T) {
	store := NewStore(nil)
	rec := &FileChangeRecord{Path: "/work/a.txt", Type: ChangeCreated}
	if err := store.Push(rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Error("Push should assign an id")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Push should assign a timestamp")
	}
}

func TestStore_DepthPruning(t *testing.T) {
	store := NewStore(&StoreOptions{MaxDepth: 50})

	for i := 0; i < 60; i++ {
		rec := &FileChangeRecord{
			ID:   fmt.Sprintf("rec-%03d", i),
			Path: "/work/a.txt",
			Type: ChangeCreated,
		}
		if err := store.Push(rec); err != nil {
			t.Fatal(err)
		}
	}

	if depth := store.Depth("/work/a.txt"); depth != 50 {
		t.Fatalf("depth = %d, want 50", depth)
	}
	if store.Get("rec-000") != nil {
		t.Error("oldest record should have been pruned")
	}
	if store.Get("rec-059") == nil {
		t.Error("newest record should survive pruning")
	}
}

func TestStore_LastSkipsUndone(t *testing.T) {
	store := NewStore(nil)

	first := &FileChangeRecord{ID: "first", Path: "/work/a.txt", Type: ChangeCreated}
	second := &FileChangeRecord{ID: "second", Path: "/work/a.txt", Type: ChangeModified, BackupPath: "/b.bak"}
	if err := store.Push(first); err != nil {
		t.Fatal(err)
	}
	if err := store.Push(second); err != nil {
		t.Fatal(err)
	}

	if last := store.Last("/work/a.txt"); last == nil || last.ID != "second" {
		t.Fatalf("Last = %+v, want second", last)
	}

	store.MarkUndone("second")
	if last := store.Last("/work/a.txt"); last == nil || last.ID != "first" {
		t.Fatalf("Last after undo = %+v, want first", last)
	}
}

func TestStore_UndoWindow(t *testing.T) {
	store := NewStore(&StoreOptions{UndoWindow: 15 * time.Minute})

	current := time.Now()
	store.now = func() time.Time { return current }

	rec := &FileChangeRecord{Path: "/work/a.txt", Type: ChangeCreated}
	if err := store.Push(rec); err != nil {
		t.Fatal(err)
	}

	if store.LastUndoable("/work/a.txt") == nil {
		t.Fatal("record should be undoable immediately after push")
	}
	if !store.InUndoWindow(rec) {
		t.Fatal("record should be inside the undo window")
	}

	// Jump past the window.
	current = current.Add(16 * time.Minute)

	if store.LastUndoable("/work/a.txt") != nil {
		t.Fatal("record should not be undoable after the window elapses")
	}
	if store.InUndoWindow(rec) {
		t.Fatal("record should be outside the undo window")
	}
	if len(store.History("/work/a.txt")) != 0 {
		t.Fatal("expired records should be pruned from history")
	}
}

func TestStore_HistoryNewestFirst(t *testing.T) {
	store := NewStore(nil)
	for i := 0; i < 3; i++ {
		rec := &FileChangeRecord{
			ID:   fmt.Sprintf("rec-%d", i),
			Path: "/work/a.txt",
			Type: ChangeCreated,
		}
		if err := store.Push(rec); err != nil {
			t.Fatal(err)
		}
	}

	records := store.History("/work/a.txt")
	if len(records) != 3 {
		t.Fatalf("history length = %d", len(records))
	}
	if records[0].ID != "rec-2" || records[2].ID != "rec-0" {
		t.Fatalf("history not newest-first: %v, %v, %v", records[0].ID, records[1].ID, records[2].ID)
	}
}

func TestStore_PathNormalization(t *testing.T) {
	store := NewStore(nil)
	if err := store.Push(&FileChangeRecord{Path: "/work//a/../a.txt", Type: ChangeCreated}); err != nil {
		t.Fatal(err)
	}
	if store.Last("/work/a.txt") == nil {
		t.Fatal("lookup should normalize the path the same way Push does")
	}
}

func TestFileChangeRecord_Undoable(t *testing.T) {
	tests := []struct {
		name string
		rec  FileChangeRecord
		want bool
	}{
		{"created_without_backup", FileChangeRecord{Type: ChangeCreated}, true},
		{"modified_with_backup", FileChangeRecord{Type: ChangeModified, BackupPath: "/b.bak"}, true},
		{"modified_without_backup", FileChangeRecord{Type: ChangeModified}, false},
		{"deleted_with_backup", FileChangeRecord{Type: ChangeDeleted, BackupPath: "/b.bak"}, true},
		{"renamed_without_backup", FileChangeRecord{Type: ChangeRenamed}, false},
		{"already_undone", FileChangeRecord{Type: ChangeCreated, Undone: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Undoable(); got != tt.want {
				t.Errorf("Undoable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash("hello")
	b := ContentHash("hello")
	c := ContentHash("world")

	if a != b {
		t.Error("hash should be deterministic")
	}
	if a == c {
		t.Error("different content should hash differently")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(a))
	}
}

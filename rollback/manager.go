// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback accumulates compensating actions for one in-flight
// batch and replays them in reverse order on failure or cancellation.
package rollback

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ActionType identifies the compensation an action performs.
type ActionType int

const (
	// DeleteCreatedFile removes a file the batch created.
	DeleteCreatedFile ActionType = iota

	// RestoreModifiedFile restores a file's pre-batch content.
	RestoreModifiedFile

	// DeleteCreatedDirectory removes a directory the batch created,
	// but only if it is empty.
	DeleteCreatedDirectory

	// RestoreDeletedFile restores a file the batch deleted.
	RestoreDeletedFile

	// UndoRename moves a renamed file back to its original path.
	UndoRename
)

// String returns the string representation of the action type.
func (t ActionType) String() string {
	switch t {
	case DeleteCreatedFile:
		return "delete_created_file"
	case RestoreModifiedFile:
		return "restore_modified_file"
	case DeleteCreatedDirectory:
		return "delete_created_directory"
	case RestoreDeletedFile:
		return "restore_deleted_file"
	case UndoRename:
		return "undo_rename"
	default:
		return "unknown"
	}
}

// Action is one recorded compensating step.
type Action struct {
	// Type selects the compensation.
	Type ActionType

	// Path is the primary target.
	Path string

	// BackupPath locates the snapshot for restore actions.
	BackupPath string

	// NewPath is the rename destination for UndoRename.
	NewPath string

	// Order is assigned at registration time, monotonically increasing.
	Order int
}

// Filesystem is the mutation surface rollback needs.
type Filesystem interface {
	Exists(path string) bool
	Remove(path string) error
	Rename(oldPath, newPath string) error
	IsDirEmpty(path string) (bool, error)
}

// BackupRestorer restores snapshots taken before the batch mutated.
type BackupRestorer interface {
	RestoreBackup(backupPath, targetPath string) error
}

// Manager collects and replays compensating actions for one batch.
//
// # Description
//
// Register* methods append actions in mutation order. Rollback replays
// them newest-first (LIFO), attempting every action regardless of
// individual failures. Commit closes the transaction: actions are
// discarded and neither registration nor rollback has any further
// effect.
//
// # Thread Safety
//
// Safe for concurrent use, though a batch registers from one goroutine
// in practice.
type Manager struct {
	mu        sync.Mutex
	fs        Filesystem
	backups   BackupRestorer
	logger    *slog.Logger
	actions   []Action
	nextOrder int
	committed bool
	consumed  bool
}

// NewManager creates a rollback manager for one batch.
//
// # Inputs
//
//   - fs: Filesystem to compensate against.
//   - backups: Restores pre-batch snapshots.
//   - logger: Diagnostic logger (nil discards).
func NewManager(fs Filesystem, backups BackupRestorer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{fs: fs, backups: backups, logger: logger}
}

// RegisterCreatedFile records that the batch created a file.
func (m *Manager) RegisterCreatedFile(path string) {
	m.register(Action{Type: DeleteCreatedFile, Path: path})
}

// RegisterCreatedDirectory records that the batch created a directory.
func (m *Manager) RegisterCreatedDirectory(path string) {
	m.register(Action{Type: DeleteCreatedDirectory, Path: path})
}

// RegisterModifiedFile records that the batch overwrote a file.
func (m *Manager) RegisterModifiedFile(path, backupPath string) {
	m.register(Action{Type: RestoreModifiedFile, Path: path, BackupPath: backupPath})
}

// RegisterDeletedFile records that the batch deleted a file.
func (m *Manager) RegisterDeletedFile(path, backupPath string) {
	m.register(Action{Type: RestoreDeletedFile, Path: path, BackupPath: backupPath})
}

// RegisterRenamedFile records that the batch renamed or moved a file.
func (m *Manager) RegisterRenamedFile(oldPath, newPath string) {
	m.register(Action{Type: UndoRename, Path: oldPath, NewPath: newPath})
}

// register appends an action with the next order. Registration after
// Commit is a no-op.
func (m *Manager) register(action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.committed || m.consumed {
		return
	}
	action.Order = m.nextOrder
	m.nextOrder++
	m.actions = append(m.actions, action)
}

// ActionCount returns the number of registered actions.
func (m *Manager) ActionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Committed reports whether the transaction has been closed.
func (m *Manager) Committed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Commit discards all actions, permanently preventing rollback.
func (m *Manager) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.committed = true
	m.actions = nil
}

// Rollback replays all registered actions in reverse order.
//
// # Description
//
// Best-effort: every action is attempted even when earlier
// compensations fail. Per-action failures are logged and clear the
// overall-success flag. Actions whose preconditions no longer hold
// (a non-empty created directory, a rename whose destination vanished)
// are skipped rather than forced. The callers pass a non-cancellable
// context so compensation runs to completion.
//
// # Outputs
//
//   - bool: True only when every action either succeeded or was
//     safely skipped, and the manager had not been committed.
func (m *Manager) Rollback(ctx context.Context) bool {
	m.mu.Lock()
	if m.committed || m.consumed {
		m.mu.Unlock()
		return false
	}
	m.consumed = true
	actions := m.actions
	m.actions = nil
	m.mu.Unlock()

	// Cancellation is deliberately not observed here; compensation
	// always runs to completion.
	success := true
	for i := len(actions) - 1; i >= 0; i-- {
		if !m.perform(actions[i]) {
			success = false
		}
	}
	return success
}

// perform executes one compensating action.
func (m *Manager) perform(action Action) bool {
	log := m.logger.With("action", action.Type.String(), "path", action.Path, "order", action.Order)

	switch action.Type {
	case DeleteCreatedFile:
		if !m.fs.Exists(action.Path) {
			return true
		}
		if err := m.fs.Remove(action.Path); err != nil {
			log.Warn("rollback failed to delete created file", "error", err)
			return false
		}

	case RestoreModifiedFile, RestoreDeletedFile:
		if err := m.backups.RestoreBackup(action.BackupPath, action.Path); err != nil {
			log.Warn("rollback failed to restore file", "backup", action.BackupPath, "error", err)
			return false
		}

	case DeleteCreatedDirectory:
		if !m.fs.Exists(action.Path) {
			return true
		}
		empty, err := m.fs.IsDirEmpty(action.Path)
		if err != nil {
			log.Warn("rollback could not inspect created directory", "error", err)
			return false
		}
		if !empty {
			// Never force-delete user content.
			log.Info("skipping non-empty created directory")
			return true
		}
		if err := m.fs.Remove(action.Path); err != nil {
			log.Warn("rollback failed to delete created directory", "error", err)
			return false
		}

	case UndoRename:
		if !m.fs.Exists(action.NewPath) || m.fs.Exists(action.Path) {
			log.Info("skipping rename reversal, paths have moved on", "new_path", action.NewPath)
			return true
		}
		if err := m.fs.Rename(action.NewPath, action.Path); err != nil {
			log.Warn("rollback failed to reverse rename", "new_path", action.NewPath, "error", err)
			return false
		}
	}

	return true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply writes single-file changes to a workspace: conflict
// detection, backup, mutation, history recording, and undo.
package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchkit/backup"
	"github.com/AleutianAI/patchkit/diff"
	"github.com/AleutianAI/patchkit/history"
	"github.com/AleutianAI/patchkit/workspace"
)

var tracer = otel.Tracer("patchkit.apply")

// Service applies single-file changes to a workspace.
//
// # Description
//
// Every mutating operation acquires the service's apply lock before
// touching disk, so file writes are strictly serialized — including
// writes issued on behalf of batch proposals. The engine never
// parallelizes file mutation, trading throughput for a race-free
// model.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	root     string
	fs       workspace.Filesystem
	backups  backup.Manager
	engine   *diff.Engine
	hist     *history.Store
	opts     Options
	logger   *slog.Logger
	notifier *Notifier
	metrics  *Metrics

	// applyMu serializes every file write this service performs.
	applyMu sync.Mutex
}

// NewService creates an apply service rooted at an absolute workspace
// path.
//
// # Inputs
//
//   - root: Absolute workspace root. All relative paths resolve
//     against it; writes outside it are rejected.
//   - fs: Filesystem collaborator.
//   - backups: Backup collaborator.
//   - opts: Service options (DefaultOptions for defaults).
//   - logger: Diagnostic logger (nil discards).
//
// # Outputs
//
//   - *Service: Ready-to-use service.
//   - error: Non-nil if the root or a collaborator is invalid.
func NewService(root string, fs workspace.Filesystem, backups backup.Manager, opts Options, logger *slog.Logger) (*Service, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute: %s", root)
	}
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if backups == nil {
		return nil, fmt.Errorf("backup manager is required")
	}
	if opts.MaxHistoryDepth <= 0 {
		opts.MaxHistoryDepth = DefaultOptions().MaxHistoryDepth
	}
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = DefaultOptions().UndoWindow
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	engine, err := diff.NewEngine(root, fs, diff.DefaultOptions())
	if err != nil {
		return nil, err
	}

	return &Service{
		root:    root,
		fs:      fs,
		backups: backups,
		engine:  engine,
		hist: history.NewStore(&history.StoreOptions{
			MaxDepth:   opts.MaxHistoryDepth,
			UndoWindow: opts.UndoWindow,
		}),
		opts:     opts,
		logger:   logger,
		notifier: NewNotifier(),
		metrics:  serviceMetrics(),
	}, nil
}

// Engine returns the service's diff engine.
func (s *Service) Engine() *diff.Engine {
	return s.engine
}

// Subscribe registers for typed change notifications.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	return s.notifier.Subscribe(buffer)
}

// =============================================================================
// Public Operations
// =============================================================================

// ApplyCodeBlock resolves a proposed block against the workspace and
// applies it.
func (s *Service) ApplyCodeBlock(ctx context.Context, block *diff.CodeBlock) (*ApplyResult, error) {
	d, err := s.engine.ComputeDiffForBlock(ctx, block)
	if err != nil {
		kind := ClassifyError(err)
		if errors.Is(err, diff.ErrInvalidBlock) {
			kind = ErrValidation
		}
		return failure(block.TargetPath, kind, err.Error()), nil
	}
	return s.ApplyDiff(ctx, d)
}

// ApplyDiff applies a computed diff's proposed content to its path.
//
// # Description
//
// Algorithm: conflict check, backup, line-ending resolution, parent
// directory creation, write, history record, change notification. A
// diff with no changes succeeds without touching disk.
//
// # Outputs
//
//   - *ApplyResult: Structured outcome; conflicts and classified I/O
//     failures are reported here, never as raw errors.
//   - error: Non-nil only on context cancellation.
func (s *Service) ApplyDiff(ctx context.Context, d *diff.DiffResult) (*ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "apply.ApplyDiff",
		trace.WithAttributes(attribute.String("path", d.Path)))
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.ApplyDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if d.IsBinaryFile {
		s.metrics.AppliesTotal.WithLabelValues(ErrValidation.String()).Inc()
		return failure(d.Path, ErrValidation, "cannot apply binary diff"), nil
	}
	if !d.HasChanges() && !d.IsDeleteFile {
		return &ApplyResult{Path: d.Path, Success: true}, nil
	}

	fullPath, kind, msg := s.resolve(d.Path)
	if kind != ErrNone {
		s.metrics.AppliesTotal.WithLabelValues(kind.String()).Inc()
		return failure(d.Path, kind, msg), nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		s.metrics.AppliesTotal.WithLabelValues(ErrCancelled.String()).Inc()
		return failure(d.Path, ErrCancelled, err.Error()), err
	}

	var result *ApplyResult
	if d.IsDeleteFile {
		result = s.deleteLocked(deleteRequest{
			relPath:       d.Path,
			fullPath:      fullPath,
			checkConflict: true,
			takeBackup:    s.opts.CreateBackups,
		})
	} else {
		result = s.writeLocked(writeRequest{
			relPath:       d.Path,
			fullPath:      fullPath,
			content:       d.ProposedContent,
			linesAdded:    d.Stats.Added + d.Stats.Modified,
			linesRemoved:  d.Stats.Removed + d.Stats.Modified,
			checkConflict: true,
			takeBackup:    s.opts.CreateBackups,
		})
	}

	s.metrics.AppliesTotal.WithLabelValues(outcomeLabel(result)).Inc()
	return result, nil
}

// PreviewApply runs the conflict check and reports what an apply would
// do, without mutating anything.
func (s *Service) PreviewApply(ctx context.Context, d *diff.DiffResult) (*ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return failure(d.Path, ErrCancelled, err.Error()), err
	}

	fullPath, kind, msg := s.resolve(d.Path)
	if kind != ErrNone {
		return failure(d.Path, kind, msg), nil
	}

	if conflicted, err := s.conflicted(fullPath); err != nil {
		return failure(d.Path, ClassifyError(err), err.Error()), nil
	} else if conflicted && s.opts.CheckConflicts && !s.opts.AllowOverwrite {
		return failure(d.Path, ErrConflict, "on-disk content diverged from last recorded state"), nil
	}

	return &ApplyResult{
		Path:         d.Path,
		Success:      true,
		BytesWritten: int64(len(d.ProposedContent)),
		LinesAdded:   d.Stats.Added + d.Stats.Modified,
		LinesRemoved: d.Stats.Removed + d.Stats.Modified,
	}, nil
}

// WriteFile writes content to a path under the apply lock.
//
// # Description
//
// Batch-oriented entry point: conflict checking is skipped (the batch
// validates up front) and the caller may supply a backup it already
// took, which is carried onto the history record.
func (s *Service) WriteFile(ctx context.Context, relPath, content, backupPath string) (*ApplyResult, error) {
	fullPath, kind, msg := s.resolve(relPath)
	if kind != ErrNone {
		return failure(relPath, kind, msg), nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure(relPath, ErrCancelled, err.Error()), err
	}

	lines := len(strings.Split(content, "\n"))
	return s.writeLocked(writeRequest{
		relPath:        relPath,
		fullPath:       fullPath,
		content:        content,
		linesAdded:     lines,
		externalBackup: backupPath,
	}), nil
}

// DeleteFile removes a path under the apply lock.
func (s *Service) DeleteFile(ctx context.Context, relPath, backupPath string) (*ApplyResult, error) {
	fullPath, kind, msg := s.resolve(relPath)
	if kind != ErrNone {
		return failure(relPath, kind, msg), nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure(relPath, ErrCancelled, err.Error()), err
	}
	return s.deleteLocked(deleteRequest{
		relPath:        relPath,
		fullPath:       fullPath,
		externalBackup: backupPath,
	}), nil
}

// RenameFile moves a file under the apply lock.
func (s *Service) RenameFile(ctx context.Context, oldRel, newRel string) (*ApplyResult, error) {
	oldFull, kind, msg := s.resolve(oldRel)
	if kind != ErrNone {
		return failure(oldRel, kind, msg), nil
	}
	newFull, kind, msg := s.resolve(newRel)
	if kind != ErrNone {
		return failure(newRel, kind, msg), nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure(oldRel, ErrCancelled, err.Error()), err
	}

	if !s.fs.Exists(oldFull) {
		return failure(oldRel, ErrValidation, "source does not exist"), nil
	}
	if s.opts.CreateParentDirs {
		if err := s.fs.MkdirAll(filepath.Dir(newFull)); err != nil {
			return failure(newRel, ClassifyError(err), err.Error()), nil
		}
	}
	if err := s.fs.Rename(oldFull, newFull); err != nil {
		return failure(oldRel, ClassifyError(err), err.Error()), nil
	}

	content, _ := s.fs.ReadFile(newFull)
	hash := history.ContentHash(content)
	record := &history.FileChangeRecord{
		Path:       newFull,
		Type:       history.ChangeRenamed,
		HashBefore: hash,
		HashAfter:  hash,
	}
	if err := s.hist.Push(record); err != nil {
		s.logger.Warn("failed to record rename", "path", newRel, "error", err)
	}

	s.notifier.Publish(Event{Type: EventChangeApplied, Path: newFull, RecordID: record.ID})
	return &ApplyResult{Path: newRel, Success: true, Applied: true, RecordID: record.ID}, nil
}

// CheckForConflicts reports whether a path's on-disk content diverged
// from the last recorded state.
func (s *Service) CheckForConflicts(ctx context.Context, relPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fullPath, kind, msg := s.resolve(relPath)
	if kind != ErrNone {
		return false, fmt.Errorf("%s", msg)
	}
	return s.conflicted(fullPath)
}

// GetChangeHistory returns a path's change records, newest first.
func (s *Service) GetChangeHistory(relPath string) []history.FileChangeRecord {
	fullPath, kind, _ := s.resolve(relPath)
	if kind != ErrNone {
		return nil
	}
	return s.hist.History(fullPath)
}

// UndoLastChange reverts the most recent undoable change to a path.
//
// # Description
//
// A record outside its undo window, or lacking a backup where one is
// required, cannot be undone; the call reports failure without an
// error.
func (s *Service) UndoLastChange(ctx context.Context, relPath string) (*ApplyResult, error) {
	fullPath, kind, msg := s.resolve(relPath)
	if kind != ErrNone {
		return failure(relPath, kind, msg), nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure(relPath, ErrCancelled, err.Error()), err
	}

	rec := s.hist.LastUndoable(fullPath)
	if rec == nil {
		s.metrics.UndosTotal.WithLabelValues("unavailable").Inc()
		return failure(relPath, ErrValidation, "no undoable change within the undo window"), nil
	}
	return s.undoLocked(relPath, rec), nil
}

// UndoChange reverts a specific change by record id.
func (s *Service) UndoChange(ctx context.Context, id string) (*ApplyResult, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure("", ErrCancelled, err.Error()), err
	}

	rec := s.hist.Get(id)
	if rec == nil {
		s.metrics.UndosTotal.WithLabelValues("unavailable").Inc()
		return failure("", ErrValidation, fmt.Sprintf("no change record %s", id)), nil
	}
	if !rec.Undoable() {
		s.metrics.UndosTotal.WithLabelValues("unavailable").Inc()
		return failure(rec.Path, ErrValidation, "change cannot be undone"), nil
	}
	if !s.hist.InUndoWindow(rec) {
		s.metrics.UndosTotal.WithLabelValues("expired").Inc()
		return failure(rec.Path, ErrValidation, "undo window has elapsed"), nil
	}
	return s.undoLocked(rec.Path, rec), nil
}

// =============================================================================
// Internals
// =============================================================================

// writeRequest carries one locked write's parameters.
type writeRequest struct {
	relPath        string
	fullPath       string
	content        string
	linesAdded     int
	linesRemoved   int
	checkConflict  bool
	takeBackup     bool
	externalBackup string
}

// writeLocked performs the write pipeline. Caller holds applyMu.
func (s *Service) writeLocked(req writeRequest) *ApplyResult {
	exists := s.fs.Exists(req.fullPath)

	var before string
	if exists {
		var err error
		before, err = s.fs.ReadFile(req.fullPath)
		if err != nil {
			return failure(req.relPath, ClassifyError(err), err.Error())
		}
	}

	if exists && req.checkConflict && s.opts.CheckConflicts && !s.opts.AllowOverwrite {
		if last := s.hist.Last(req.fullPath); last != nil && last.HashAfter != history.ContentHash(before) {
			s.metrics.ConflictsTotal.Inc()
			s.notifier.Publish(Event{Type: EventConflictDetected, Path: req.fullPath})
			s.logger.Info("conflict detected", "path", req.relPath)
			return failure(req.relPath, ErrConflict, "on-disk content diverged from last recorded state")
		}
	}

	backupPath := req.externalBackup
	if backupPath == "" && exists && req.takeBackup {
		var err error
		backupPath, err = s.backups.CreateBackup(req.fullPath)
		if err != nil {
			return failure(req.relPath, ClassifyError(err), err.Error())
		}
	}

	out := req.content
	if exists && s.opts.PreserveLineEndings && dominantCRLF(before) {
		out = toCRLF(out)
	}

	if s.opts.CreateParentDirs {
		if err := s.fs.MkdirAll(filepath.Dir(req.fullPath)); err != nil {
			return failure(req.relPath, ClassifyError(err), err.Error())
		}
	}
	if err := s.fs.WriteFile(req.fullPath, out); err != nil {
		return failure(req.relPath, ClassifyError(err), err.Error())
	}

	record := &history.FileChangeRecord{
		Path:         req.fullPath,
		Type:         history.ChangeModified,
		HashAfter:    history.ContentHash(out),
		LinesAdded:   req.linesAdded,
		LinesRemoved: req.linesRemoved,
	}
	if exists {
		record.HashBefore = history.ContentHash(before)
		record.BackupPath = backupPath
	} else {
		record.Type = history.ChangeCreated
	}
	if err := s.hist.Push(record); err != nil {
		s.logger.Warn("failed to record change", "path", req.relPath, "error", err)
	}

	s.notifier.Publish(Event{Type: EventChangeApplied, Path: req.fullPath, RecordID: record.ID})
	s.logger.Debug("applied change", "path", req.relPath, "bytes", len(out))

	return &ApplyResult{
		Path:         req.relPath,
		Success:      true,
		Applied:      true,
		BackupPath:   backupPath,
		RecordID:     record.ID,
		BytesWritten: int64(len(out)),
		LinesAdded:   req.linesAdded,
		LinesRemoved: req.linesRemoved,
	}
}

// deleteRequest carries one locked delete's parameters.
type deleteRequest struct {
	relPath        string
	fullPath       string
	checkConflict  bool
	takeBackup     bool
	externalBackup string
}

// deleteLocked performs the delete pipeline. Caller holds applyMu.
func (s *Service) deleteLocked(req deleteRequest) *ApplyResult {
	relPath, fullPath := req.relPath, req.fullPath

	if !s.fs.Exists(fullPath) {
		return &ApplyResult{Path: relPath, Success: true}
	}

	before, err := s.fs.ReadFile(fullPath)
	if err != nil {
		return failure(relPath, ClassifyError(err), err.Error())
	}

	if req.checkConflict && s.opts.CheckConflicts && !s.opts.AllowOverwrite {
		if last := s.hist.Last(fullPath); last != nil && last.HashAfter != history.ContentHash(before) {
			s.metrics.ConflictsTotal.Inc()
			s.notifier.Publish(Event{Type: EventConflictDetected, Path: fullPath})
			s.logger.Info("conflict detected", "path", relPath)
			return failure(relPath, ErrConflict, "on-disk content diverged from last recorded state")
		}
	}

	backupPath := req.externalBackup
	if backupPath == "" && req.takeBackup {
		backupPath, err = s.backups.CreateBackup(fullPath)
		if err != nil {
			return failure(relPath, ClassifyError(err), err.Error())
		}
	}

	if err := s.fs.Remove(fullPath); err != nil {
		return failure(relPath, ClassifyError(err), err.Error())
	}

	record := &history.FileChangeRecord{
		Path:         fullPath,
		BackupPath:   backupPath,
		Type:         history.ChangeDeleted,
		HashBefore:   history.ContentHash(before),
		LinesRemoved: len(strings.Split(before, "\n")),
	}
	if err := s.hist.Push(record); err != nil {
		s.logger.Warn("failed to record deletion", "path", relPath, "error", err)
	}

	s.notifier.Publish(Event{Type: EventChangeApplied, Path: fullPath, RecordID: record.ID})
	return &ApplyResult{
		Path:       relPath,
		Success:    true,
		Applied:    true,
		BackupPath: backupPath,
		RecordID:   record.ID,
	}
}

// undoLocked reverts one record. Caller holds applyMu.
func (s *Service) undoLocked(relPath string, rec *history.FileChangeRecord) *ApplyResult {
	var err error
	if rec.Type == history.ChangeCreated {
		if s.fs.Exists(rec.Path) {
			err = s.fs.Remove(rec.Path)
		}
	} else {
		err = s.backups.RestoreBackup(rec.BackupPath, rec.Path)
	}
	if err != nil {
		s.metrics.UndosTotal.WithLabelValues("failed").Inc()
		return failure(relPath, ClassifyError(err), err.Error())
	}

	s.hist.MarkUndone(rec.ID)
	s.metrics.UndosTotal.WithLabelValues("success").Inc()
	s.notifier.Publish(Event{Type: EventChangeUndone, Path: rec.Path, RecordID: rec.ID})
	s.logger.Debug("change undone", "path", rec.Path, "record", rec.ID)

	return &ApplyResult{Path: relPath, Success: true, Applied: true, RecordID: rec.ID}
}

// conflicted compares a path's on-disk hash with its last record.
func (s *Service) conflicted(fullPath string) (bool, error) {
	last := s.hist.Last(fullPath)
	if last == nil || !s.fs.Exists(fullPath) {
		return false, nil
	}
	content, err := s.fs.ReadFile(fullPath)
	if err != nil {
		return false, err
	}
	return last.HashAfter != history.ContentHash(content), nil
}

// resolve joins a relative path against the root and rejects escapes.
func (s *Service) resolve(relPath string) (string, ErrorKind, string) {
	if relPath == "" {
		return "", ErrValidation, "empty path"
	}

	fullPath := relPath
	if !filepath.IsAbs(fullPath) {
		fullPath = filepath.Join(s.root, fullPath)
	}

	rel, err := filepath.Rel(filepath.Clean(s.root), filepath.Clean(fullPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrValidation, fmt.Sprintf("path escapes workspace root: %s", relPath)
	}
	return filepath.Clean(fullPath), ErrNone, ""
}

// outcomeLabel maps a result onto a metrics label.
func outcomeLabel(result *ApplyResult) string {
	if result.Success {
		return "success"
	}
	return result.Kind.String()
}

// dominantCRLF reports whether CRLF is the file's dominant line ending.
func dominantCRLF(content string) bool {
	crlf := strings.Count(content, "\r\n")
	lf := strings.Count(content, "\n") - crlf
	return crlf > lf
}

// toCRLF converts normalized LF content to CRLF endings.
func toCRLF(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\n", "\r\n")
}

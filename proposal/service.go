// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proposal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchkit/apply"
	"github.com/AleutianAI/patchkit/backup"
	"github.com/AleutianAI/patchkit/rollback"
	"github.com/AleutianAI/patchkit/workspace"
)

var tracer = otel.Tracer("patchkit.proposal")

// Policy configures batch-level failure handling.
type Policy struct {
	// ContinueOnValidationErrors applies the batch even when
	// validation reports errors. Default: false.
	ContinueOnValidationErrors bool

	// ContinueOnFailure keeps applying remaining operations after one
	// fails. Default: false.
	ContinueOnFailure bool

	// RollbackOnPartialFailure compensates every applied operation
	// when the batch does not fully succeed. Default: true.
	RollbackOnPartialFailure bool
}

// DefaultPolicy returns the conservative defaults: stop at the first
// failure and roll everything back.
func DefaultPolicy() Policy {
	return Policy{RollbackOnPartialFailure: true}
}

// BatchService applies file-tree proposals transactionally.
//
// # Description
//
// One batch at a time: an orchestration lock prevents two batches
// from interleaving phase transitions. Each batch owns a fresh
// rollback manager; a failed or cancelled batch leaves the
// filesystem in either the pre-apply or fully-applied state.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent batches queue on the
// orchestration lock.
type BatchService struct {
	root    string
	fs      workspace.Filesystem
	backups backup.Manager
	applier *apply.Service
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics

	// batchMu guards the orchestration entry point only; file writes
	// are serialized separately by the apply service's own lock.
	batchMu sync.Mutex
}

// NewBatchService creates a batch service over an apply service.
//
// # Inputs
//
//   - root: Absolute workspace root.
//   - fs: Filesystem collaborator (shared with the apply service).
//   - backups: Backup collaborator.
//   - applier: Single-file apply service all writes route through.
//   - policy: Batch failure policy (DefaultPolicy for defaults).
//   - logger: Diagnostic logger (nil discards).
func NewBatchService(root string, fs workspace.Filesystem, backups backup.Manager, applier *apply.Service, policy Policy, logger *slog.Logger) (*BatchService, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute: %s", root)
	}
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if backups == nil {
		return nil, fmt.Errorf("backup manager is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("apply service is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BatchService{
		root:    root,
		fs:      fs,
		backups: backups,
		applier: applier,
		policy:  policy,
		logger:  logger,
		metrics: batchMetrics(),
	}, nil
}

// ValidateProposal checks a proposal without performing any I/O
// beyond existence probes.
func (s *BatchService) ValidateProposal(ctx context.Context, proposal *FileTreeProposal) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return validateProposal(s.root, s.fs, proposal), nil
}

// ApplyProposal applies a proposal's selected operations in order.
//
// # Description
//
// Phases: validate, pre-create parent directories, back up every
// existing file the batch will overwrite or delete, write operations
// one at a time, then either commit or roll back. Cancellation between operations triggers the
// rollback branch; the rollback itself runs on a non-cancellable
// context so compensation always completes. An unexpected panic also
// triggers best-effort rollback before re-raising.
//
// # Outputs
//
//   - *BatchApplyResult: Aggregate outcome with per-operation results
//     and explicit cancellation/rollback flags. Never nil.
//   - error: Non-nil only for invalid arguments.
func (s *BatchService) ApplyProposal(ctx context.Context, proposal *FileTreeProposal, sink ProgressSink) (*BatchApplyResult, error) {
	if proposal == nil {
		return nil, fmt.Errorf("proposal is required")
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	ctx, span := tracer.Start(ctx, "proposal.ApplyProposal",
		trace.WithAttributes(
			attribute.String("proposal_id", proposal.ID),
			attribute.Int("operations", len(proposal.Operations)),
		))
	defer span.End()

	ops := proposal.SelectedOperations()
	result := &BatchApplyResult{
		ProposalID:       proposal.ID,
		StartedAt:        time.Now(),
		RollbackComplete: true,
	}
	defer func() {
		result.FinishedAt = time.Now()
		s.metrics.BatchDurationSeconds.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
		s.metrics.BatchesTotal.WithLabelValues(batchOutcome(result)).Inc()
	}()

	rb := rollback.NewManager(s.fs, s.backups, s.logger)
	actx := newApplyContext(proposal.ID, len(ops), sink, rb)

	// A panic escaping the write loop must not strand a half-written
	// batch: compensate first, then re-raise.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during batch apply; rolling back", "proposal", proposal.ID, "panic", r)
			actx.setPhase(PhaseRollingBack)
			actx.rollback.Rollback(context.WithoutCancel(ctx))
			actx.setPhase(PhaseCompleted)
			panic(r)
		}
	}()

	// Phase 1: validation.
	actx.setPhase(PhaseValidating)
	validation := validateProposal(s.root, s.fs, proposal)
	result.ValidationIssues = validation.Issues
	if !validation.Valid() && !s.policy.ContinueOnValidationErrors {
		s.logger.Info("batch abandoned by validation",
			"proposal", proposal.ID, "errors", len(validation.Errors()))
		result.Skipped = len(ops)
		result.WasRolledBack = true
		actx.setPhase(PhaseCompleted)
		return result, nil
	}

	// Phase 2: parent directories, shortest path first so parents are
	// created before children.
	actx.setPhase(PhaseCreatingDirectories)
	if failed := s.createParentDirs(ops, rb, result); failed {
		s.rollBack(ctx, actx, result)
		result.Skipped = len(ops)
		actx.setPhase(PhaseCompleted)
		return result, nil
	}

	// Phase 3: backups for every existing file the batch will touch.
	actx.setPhase(PhaseCreatingBackups)
	backups, err := s.createBackups(ops)
	if err != nil {
		s.logger.Warn("backup phase failed", "proposal", proposal.ID, "error", err)
		s.rollBack(ctx, actx, result)
		result.Skipped = len(ops)
		actx.setPhase(PhaseCompleted)
		return result, nil
	}

	// Phase 4: apply selected operations in their explicit order.
	actx.setPhase(PhaseWritingFiles)
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			actx.markCancelled()
			result.WasCancelled = true
			result.Skipped = len(ops) - i
			break
		}

		actx.operationStarted(op.Path)
		opResult := s.applyOperation(ctx, op, backups, rb)
		actx.operationDone(opResult)

		s.metrics.OperationsTotal.WithLabelValues(op.Type.String(), outcome(opResult)).Inc()
		if opResult.Success {
			result.Succeeded++
			continue
		}

		result.Failed++
		if opResult.Kind == apply.ErrCancelled {
			actx.markCancelled()
			result.WasCancelled = true
		}
		if !s.policy.ContinueOnFailure {
			result.Skipped = len(ops) - i - 1
			break
		}
	}
	result.Results = actx.results

	// Phase 5: commit or compensate.
	if result.WasCancelled || (result.Failed > 0 && s.policy.RollbackOnPartialFailure) {
		s.rollBack(ctx, actx, result)
	} else {
		actx.setPhase(PhaseFinalizing)
		rb.Commit()
	}

	s.updateStatus(proposal, result, len(ops))
	actx.setPhase(PhaseCompleted)
	s.logger.Info("batch apply finished",
		"proposal", proposal.ID,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"cancelled", result.WasCancelled,
		"rolled_back", result.WasRolledBack)
	return result, nil
}

// =============================================================================
// Phase helpers
// =============================================================================

// createParentDirs pre-creates every missing parent directory of the
// batch's write targets, registering each for rollback. Explicit
// CreateDirectory operations are not handled here; they apply in
// order during the write phase.
func (s *BatchService) createParentDirs(ops []FileOperation, rb *rollback.Manager, result *BatchApplyResult) bool {
	needed := make(map[string]struct{})
	for _, op := range ops {
		switch op.Type {
		case OpCreate, OpModify:
			s.collectMissingDirs(filepath.Dir(filepath.Join(s.root, op.Path)), needed)
		case OpRename, OpMove:
			if op.NewPath != "" {
				s.collectMissingDirs(filepath.Dir(filepath.Join(s.root, op.NewPath)), needed)
			}
		}
	}

	dirs := make([]string, 0, len(needed))
	for dir := range needed {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) < len(dirs[j]) })

	for _, dir := range dirs {
		if err := s.fs.MkdirAll(dir); err != nil {
			s.logger.Warn("failed to create directory", "dir", dir, "error", err)
			result.Failed++
			return true
		}
		rb.RegisterCreatedDirectory(dir)
	}
	return false
}

// collectMissingDirs walks from dir up to the workspace root, adding
// every ancestor that does not exist yet.
func (s *BatchService) collectMissingDirs(dir string, needed map[string]struct{}) {
	root := filepath.Clean(s.root)
	for dir != root && len(dir) > len(root) {
		if s.fs.Exists(dir) {
			return
		}
		needed[dir] = struct{}{}
		dir = filepath.Dir(dir)
	}
}

// createBackups snapshots every existing target that a Create, Modify,
// or Delete will touch, keyed by workspace-relative path. A Create
// onto an existing file is only a validation warning, so its content
// must be recoverable on rollback too.
func (s *BatchService) createBackups(ops []FileOperation) (map[string]string, error) {
	backups := make(map[string]string)
	for _, op := range ops {
		if op.Type != OpCreate && op.Type != OpModify && op.Type != OpDelete {
			continue
		}
		full := filepath.Join(s.root, op.Path)
		if !s.fs.Exists(full) {
			continue
		}
		backupPath, err := s.backups.CreateBackup(full)
		if err != nil {
			return nil, fmt.Errorf("backing up %s: %w", op.Path, err)
		}
		backups[op.Path] = backupPath
	}
	return backups, nil
}

// applyOperation dispatches one operation to its type-specific
// handler. Each handler both mutates the filesystem (through the
// apply service) and registers the matching compensation before
// returning.
func (s *BatchService) applyOperation(ctx context.Context, op FileOperation, backups map[string]string, rb *rollback.Manager) *apply.ApplyResult {
	full := filepath.Join(s.root, op.Path)

	switch op.Type {
	case OpCreate, OpModify:
		existed := s.fs.Exists(full)
		res, _ := s.applier.WriteFile(ctx, op.Path, op.Content, backups[op.Path])
		if res.Success && res.Applied {
			if existed {
				rb.RegisterModifiedFile(full, backups[op.Path])
			} else {
				rb.RegisterCreatedFile(full)
			}
		}
		return res

	case OpDelete:
		res, _ := s.applier.DeleteFile(ctx, op.Path, backups[op.Path])
		if res.Success && res.Applied {
			rb.RegisterDeletedFile(full, backups[op.Path])
		}
		return res

	case OpRename, OpMove:
		res, _ := s.applier.RenameFile(ctx, op.Path, op.NewPath)
		if res.Success && res.Applied {
			rb.RegisterRenamedFile(full, filepath.Join(s.root, op.NewPath))
		}
		return res

	case OpCreateDirectory:
		if s.fs.Exists(full) {
			return &apply.ApplyResult{Path: op.Path, Success: true}
		}
		if err := s.fs.MkdirAll(full); err != nil {
			return &apply.ApplyResult{
				Path:  op.Path,
				Kind:  apply.ClassifyError(err),
				Error: err.Error(),
			}
		}
		rb.RegisterCreatedDirectory(full)
		return &apply.ApplyResult{Path: op.Path, Success: true, Applied: true}

	default:
		return &apply.ApplyResult{
			Path:  op.Path,
			Kind:  apply.ErrValidation,
			Error: fmt.Sprintf("unsupported operation type %d", op.Type),
		}
	}
}

// rollBack runs the batch's compensations on a non-cancellable
// context and records the outcome.
func (s *BatchService) rollBack(ctx context.Context, actx *applyContext, result *BatchApplyResult) {
	actx.setPhase(PhaseRollingBack)
	result.WasRolledBack = true
	result.RollbackComplete = actx.rollback.Rollback(context.WithoutCancel(ctx))
	if result.RollbackComplete {
		s.metrics.RollbacksTotal.WithLabelValues("complete").Inc()
	} else {
		s.metrics.RollbacksTotal.WithLabelValues("incomplete").Inc()
		s.logger.Warn("rollback reported incomplete", "proposal", result.ProposalID)
	}
}

// updateStatus advances the proposal's lifecycle state. A rolled-back
// batch leaves the proposal in its pre-apply state.
func (s *BatchService) updateStatus(proposal *FileTreeProposal, result *BatchApplyResult, total int) {
	switch {
	case result.WasRolledBack:
		// Filesystem was compensated; the proposal remains proposed.
	case result.Succeeded == total && total > 0:
		proposal.Status = StatusFullyApplied
	case result.Succeeded > 0:
		proposal.Status = StatusPartiallyApplied
	}
}

func batchOutcome(result *BatchApplyResult) string {
	switch {
	case result.WasCancelled:
		return "cancelled"
	case result.WasRolledBack:
		return "rolled_back"
	case result.Failed > 0:
		return "failed"
	default:
		return "success"
	}
}

func outcome(result *apply.ApplyResult) string {
	if result.Success {
		return "success"
	}
	return result.Kind.String()
}

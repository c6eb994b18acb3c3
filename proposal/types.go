// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proposal orchestrates batch file operations against a
// workspace: validation, directory creation, backups, ordered writes,
// and finalize-or-rollback with transactional guarantees.
package proposal

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/patchkit/apply"
)

// OperationType identifies one file operation within a proposal.
type OperationType int

const (
	// OpCreate writes a file that is not expected to exist yet.
	OpCreate OperationType = iota

	// OpModify overwrites an existing file.
	OpModify

	// OpDelete removes a file.
	OpDelete

	// OpRename moves a file to a new path in the same directory.
	OpRename

	// OpMove moves a file to a new path, possibly across directories.
	OpMove

	// OpCreateDirectory creates a directory.
	OpCreateDirectory
)

// String returns the string representation of the operation type.
func (t OperationType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	case OpMove:
		return "move"
	case OpCreateDirectory:
		return "create_directory"
	default:
		return "unknown"
	}
}

// FileOperation is one proposed mutation within a batch.
//
// # Description
//
// Operations are produced outside this package and are read-only here
// except for the Selected flag. Order is the explicit application
// order within the batch.
type FileOperation struct {
	// Type identifies the mutation.
	Type OperationType

	// Path is the workspace-relative target path.
	Path string

	// NewPath is the destination for Rename/Move operations.
	NewPath string

	// Content is the file content for Create/Modify operations.
	Content string

	// Order is the explicit application order within the batch.
	Order int

	// Selected marks the operation for application. Only selected
	// operations are applied.
	Selected bool
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus int

const (
	// StatusProposed means no operation has been applied yet.
	StatusProposed ProposalStatus = iota

	// StatusPartiallyApplied means some selected operations applied.
	StatusPartiallyApplied

	// StatusFullyApplied means every selected operation applied.
	StatusFullyApplied

	// StatusRejected means the proposal was declined without applying.
	StatusRejected
)

// String returns the string representation of the status.
func (s ProposalStatus) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusPartiallyApplied:
		return "partially_applied"
	case StatusFullyApplied:
		return "fully_applied"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FileTreeProposal is an ordered, partially-selectable set of file
// operations intended for one batch apply.
type FileTreeProposal struct {
	// ID uniquely identifies the proposal.
	ID string

	// Operations is the ordered operation list.
	Operations []FileOperation

	// Status is the proposal's lifecycle state.
	Status ProposalStatus

	// CreatedAt is when the proposal was built.
	CreatedAt time.Time
}

// NewProposal builds a proposal with every operation selected.
func NewProposal(ops []FileOperation) *FileTreeProposal {
	selected := make([]FileOperation, len(ops))
	copy(selected, ops)
	for i := range selected {
		selected[i].Selected = true
	}
	return &FileTreeProposal{
		ID:         uuid.NewString(),
		Operations: selected,
		Status:     StatusProposed,
		CreatedAt:  time.Now(),
	}
}

// SetSelected flips the selection flag for the operation with the
// given order. Unknown orders are ignored.
func (p *FileTreeProposal) SetSelected(order int, selected bool) {
	for i := range p.Operations {
		if p.Operations[i].Order == order {
			p.Operations[i].Selected = selected
		}
	}
}

// SelectedOperations returns the selected operations sorted by their
// explicit application order.
func (p *FileTreeProposal) SelectedOperations() []FileOperation {
	ops := make([]FileOperation, 0, len(p.Operations))
	for _, op := range p.Operations {
		if op.Selected {
			ops = append(ops, op)
		}
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Order < ops[j].Order })
	return ops
}

// BatchApplyResult is the aggregate outcome of one batch apply.
//
// # Description
//
// Callers read state from here, never from errors: per-operation
// results, success/failure/skip counts, and the cancellation and
// rollback flags are all explicit.
type BatchApplyResult struct {
	// ProposalID identifies the proposal this result belongs to.
	ProposalID string

	// Succeeded, Failed, and Skipped count selected operations by
	// outcome. Skipped covers operations never attempted because the
	// batch stopped early.
	Succeeded int
	Failed    int
	Skipped   int

	// Results holds the ordered per-operation outcomes.
	Results []*apply.ApplyResult

	// ValidationIssues carries the validation findings, if any.
	ValidationIssues []Issue

	// StartedAt and FinishedAt bound the batch.
	StartedAt  time.Time
	FinishedAt time.Time

	// WasCancelled indicates cooperative cancellation was observed.
	WasCancelled bool

	// WasRolledBack indicates compensating rollback was executed.
	WasRolledBack bool

	// RollbackComplete is false when rollback ran but at least one
	// compensation failed.
	RollbackComplete bool
}

// AllSucceeded reports whether every selected operation applied.
func (r *BatchApplyResult) AllSucceeded() bool {
	return r.Failed == 0 && r.Skipped == 0 && r.Succeeded > 0
}

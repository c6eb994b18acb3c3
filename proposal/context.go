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
	"time"

	"github.com/AleutianAI/patchkit/apply"
	"github.com/AleutianAI/patchkit/rollback"
)

// Phase is the batch state machine's current step.
//
// Transitions: Validating -> CreatingDirectories -> CreatingBackups ->
// WritingFiles -> {RollingBack | Finalizing} -> Completed.
type Phase int

const (
	// PhaseValidating checks the proposal before any I/O.
	PhaseValidating Phase = iota

	// PhaseCreatingDirectories pre-creates parent directories,
	// shortest path first.
	PhaseCreatingDirectories

	// PhaseCreatingBackups snapshots every existing file a selected
	// operation will overwrite or delete.
	PhaseCreatingBackups

	// PhaseWritingFiles applies selected operations in order.
	PhaseWritingFiles

	// PhaseRollingBack compensates applied operations in reverse.
	PhaseRollingBack

	// PhaseFinalizing commits the batch, discarding rollback actions.
	PhaseFinalizing

	// PhaseCompleted is terminal, reached with or without rollback.
	PhaseCompleted
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseCreatingDirectories:
		return "creating_directories"
	case PhaseCreatingBackups:
		return "creating_backups"
	case PhaseWritingFiles:
		return "writing_files"
	case PhaseRollingBack:
		return "rolling_back"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// applyContext is the ephemeral per-batch bookkeeping object: phase,
// counters, results, and the batch's rollback manager. One instance
// per batch, owned by the orchestrating call; never shared across
// batches.
type applyContext struct {
	proposalID string
	phase      Phase
	total      int
	completed  int
	current    string
	cancelled  bool
	startedAt  time.Time
	sink       ProgressSink
	rollback   *rollback.Manager
	results    []*apply.ApplyResult
}

func newApplyContext(proposalID string, total int, sink ProgressSink, rb *rollback.Manager) *applyContext {
	if sink == nil {
		sink = NopSink{}
	}
	return &applyContext{
		proposalID: proposalID,
		phase:      PhaseValidating,
		total:      total,
		startedAt:  time.Now(),
		sink:       sink,
		rollback:   rb,
	}
}

// setPhase transitions the state machine and reports progress.
func (c *applyContext) setPhase(phase Phase) {
	c.phase = phase
	c.report()
}

// operationStarted records the file about to be processed.
func (c *applyContext) operationStarted(path string) {
	c.current = path
}

// operationDone records one processed operation and reports progress.
func (c *applyContext) operationDone(result *apply.ApplyResult) {
	c.results = append(c.results, result)
	c.completed++
	c.report()
}

// markCancelled records that cancellation was observed.
func (c *applyContext) markCancelled() {
	c.cancelled = true
}

// report pushes an immutable progress snapshot into the sink.
func (c *applyContext) report() {
	c.sink.Report(ProgressUpdate{
		TotalOperations:       c.total,
		CompletedOperations:   c.completed,
		Phase:                 c.phase,
		CurrentFile:           c.current,
		CanCancel:             c.phase < PhaseRollingBack,
		CancellationRequested: c.cancelled,
		Elapsed:               time.Since(c.startedAt),
	})
}

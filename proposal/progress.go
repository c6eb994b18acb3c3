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

import "time"

// ProgressUpdate is a snapshot of batch progress, emitted after every
// phase transition and after every completed operation.
type ProgressUpdate struct {
	// TotalOperations is the number of selected operations.
	TotalOperations int

	// CompletedOperations counts operations processed so far.
	CompletedOperations int

	// Phase is the batch's current phase.
	Phase Phase

	// CurrentFile is the path being processed, if any.
	CurrentFile string

	// CanCancel reports whether cancellation can still take effect.
	// Rollback and finalization ignore cancellation.
	CanCancel bool

	// CancellationRequested reports whether cancellation was observed.
	CancellationRequested bool

	// Elapsed is the time since the batch started.
	Elapsed time.Duration
}

// ProgressSink receives batch progress snapshots.
//
// Implementations must be fast; Report is called inline from the
// orchestration loop.
type ProgressSink interface {
	Report(update ProgressUpdate)
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(update ProgressUpdate)

// Report calls the wrapped function.
func (f SinkFunc) Report(update ProgressUpdate) { f(update) }

// NopSink discards all progress updates.
type NopSink struct{}

// Report discards the update.
func (NopSink) Report(ProgressUpdate) {}

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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the apply service.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// AppliesTotal counts single-file applies by outcome.
	AppliesTotal *prometheus.CounterVec

	// ConflictsTotal counts applies aborted by conflict detection.
	ConflictsTotal prometheus.Counter

	// UndosTotal counts undo attempts by outcome.
	UndosTotal *prometheus.CounterVec

	// ApplyDurationSeconds measures single-file apply latency.
	ApplyDurationSeconds prometheus.Histogram
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// serviceMetrics returns the shared metrics, registering them once.
// Multiple service instances (common under test) share one set so the
// default registerer never sees duplicates.
func serviceMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			AppliesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "apply",
					Name:      "total",
					Help:      "Single-file applies by outcome",
				},
				[]string{"outcome"},
			),

			ConflictsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "apply",
					Name:      "conflicts_total",
					Help:      "Applies aborted by conflict detection",
				},
			),

			UndosTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "apply",
					Name:      "undos_total",
					Help:      "Undo attempts by outcome",
				},
				[]string{"outcome"},
			),

			ApplyDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "patchkit",
					Subsystem: "apply",
					Name:      "duration_seconds",
					Help:      "Single-file apply latency",
					Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				},
			),
		}
	})
	return metricsInstance
}

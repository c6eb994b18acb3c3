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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the batch service.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// BatchesTotal counts batch applies by outcome.
	BatchesTotal *prometheus.CounterVec

	// OperationsTotal counts individual batch operations by type and
	// outcome.
	OperationsTotal *prometheus.CounterVec

	// RollbacksTotal counts compensating rollbacks by completeness.
	RollbacksTotal *prometheus.CounterVec

	// BatchDurationSeconds measures end-to-end batch latency.
	BatchDurationSeconds prometheus.Histogram
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// batchMetrics returns the shared metrics, registering them once.
// Multiple service instances (common under test) share one set so the
// default registerer never sees duplicates.
func batchMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			BatchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "proposal",
					Name:      "batches_total",
					Help:      "Batch applies by outcome",
				},
				[]string{"outcome"},
			),

			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "proposal",
					Name:      "operations_total",
					Help:      "Batch operations by type and outcome",
				},
				[]string{"type", "outcome"},
			),

			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "patchkit",
					Subsystem: "proposal",
					Name:      "rollbacks_total",
					Help:      "Compensating rollbacks by completeness",
				},
				[]string{"outcome"},
			),

			BatchDurationSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "patchkit",
					Subsystem: "proposal",
					Name:      "batch_duration_seconds",
					Help:      "End-to-end batch apply latency",
					Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
			),
		}
	})
	return metricsInstance
}

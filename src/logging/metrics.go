// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"sync"

	"go.opentelemetry.io/otel/metric"
)

const (
	MetricTasksProcessed     = "queue_tasks_processed"
	MetricTasksReported      = "queue_tasks_reported"
	MetricTasksFailed        = "queue_tasks_failed_processing"
	MetricTasksSubmitted     = "queue_tasks_submitted"
	MetricSubmissionFailures = "queue_submission_failures"
)

var (
	countersMu sync.RWMutex
	counters   = make(map[string]metric.Int64Counter)
)

// InitializeCounters registers every counter the queue reports.
func InitializeCounters() {
	defs := []struct{ name, description string }{
		{MetricTasksProcessed, "Number of tasks claimed and finalized by workers"},
		{MetricTasksReported, "Number of tasks finalized as reported"},
		{MetricTasksFailed, "Number of tasks finalized as failed_processing"},
		{MetricTasksSubmitted, "Number of tasks accepted by a submission sink"},
		{MetricSubmissionFailures, "Number of submission items rejected or failed"},
	}

	countersMu.Lock()
	defer countersMu.Unlock()
	for _, d := range defs {
		c, err := InitializeIntCounter(d.name, d.description, "{task}")
		if err != nil {
			continue
		}
		counters[d.name] = c
	}
}

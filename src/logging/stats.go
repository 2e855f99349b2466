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
	"time"

	"analysisqueue/src/model"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID              string      `json:"id"`
	StartTime       time.Time   `json:"start_time"`
	Uptime          string      `json:"uptime"`
	TasksProcessed  uint64      `json:"tasks_processed"`
	TasksSuccessful uint64      `json:"tasks_successful"`
	TasksFailed     uint64      `json:"tasks_failed"`
	CurrentTask     *model.Task `json:"current_task,omitempty"`
}

// WorkerStats tracks the internal state of a worker loop.
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// SetInstance records the instance name the loop claims under.
func (s *WorkerStats) SetInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.ID = id
}

// Started marks task as the one currently being processed.
func (s *WorkerStats) Started(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.CurrentTask = task
}

// Finished records the terminal outcome of the current task.
func (s *WorkerStats) Finished(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusResponse.TasksProcessed++
	s.statusResponse.CurrentTask = nil
	Counter(MetricTasksProcessed)
	if success {
		s.statusResponse.TasksSuccessful++
		Counter(MetricTasksReported)
	} else {
		s.statusResponse.TasksFailed++
		Counter(MetricTasksFailed)
	}
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}

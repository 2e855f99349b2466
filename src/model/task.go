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

package model

import (
	"errors"
	"fmt"
	"time"
)

type Category string

const (
	CategoryFile     Category = "file"
	CategoryURL      Category = "url"
	CategoryBaseline Category = "baseline"
)

type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskFailedAnalysis   TaskStatus = "failed_analysis"
	TaskReported         TaskStatus = "reported"
	TaskFailedProcessing TaskStatus = "failed_processing"
)

// ErrInvalidTransition is wrapped by every rejected status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// statusRank orders the lifecycle. completed and failed_analysis belong to
// the external analysis subsystem and rank after running; the worker itself
// only moves running tasks to reported or failed_processing.
var statusRank = map[TaskStatus]int{
	TaskPending:          0,
	TaskRunning:          1,
	TaskCompleted:        2,
	TaskFailedAnalysis:   3,
	TaskReported:         3,
	TaskFailedProcessing: 3,
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskReported || s == TaskFailedProcessing || s == TaskFailedAnalysis
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// ValidateTransition enforces monotonic status changes.
func ValidateTransition(from, to TaskStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if statusRank[to] <= statusRank[from] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TaskOptions are the submitter-controlled attributes shared by every task of
// a submission batch. Options holds the free-form analysis options that have
// no dedicated field.
type TaskOptions struct {
	Package        string            `json:"package"`
	Timeout        int               `json:"timeout"`
	Priority       int               `json:"priority"`
	Machine        string            `json:"machine"`
	Platform       string            `json:"platform"`
	Memory         bool              `json:"memory"`
	EnforceTimeout bool              `json:"enforce_timeout"`
	Custom         string            `json:"custom"`
	Owner          string            `json:"owner"`
	Tags           []string          `json:"tags"`
	Clock          *time.Time        `json:"clock,omitempty"`
	Options        map[string]string `json:"options"`
}

type Task struct {
	ID       int64    `json:"id"`
	Category Category `json:"category"`
	Target   string   `json:"target"`
	TaskOptions
	Status      TaskStatus `json:"status"`
	SampleID    *int64     `json:"sample_id,omitempty"`
	Processing  *string    `json:"processing,omitempty"`
	AddedOn     time.Time  `json:"added_on"`
	StartedOn   *time.Time `json:"started_on,omitempty"`
	CompletedOn *time.Time `json:"completed_on,omitempty"`
}

type Sample struct {
	ID       int64  `json:"id"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// QueueCounts is a point-in-time view of the queue.
type QueueCounts struct {
	TotalTasks       int     `json:"total_tasks"`
	PendingTasks     int     `json:"pending_tasks"`
	RunningTasks     int     `json:"running_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	ReportedTasks    int     `json:"reported_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	AvgProcessingSec float64 `json:"avg_processing_seconds"`
}

// Add accounts n tasks in the given status.
func (c *QueueCounts) Add(status TaskStatus, n int) {
	c.TotalTasks += n
	switch status {
	case TaskPending:
		c.PendingTasks += n
	case TaskRunning:
		c.RunningTasks += n
	case TaskCompleted:
		c.CompletedTasks += n
	case TaskReported:
		c.ReportedTasks += n
	case TaskFailedAnalysis, TaskFailedProcessing:
		c.FailedTasks += n
	}
}

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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"analysisqueue/src/model"
)

// ErrNotFound is returned when a task or sample does not exist.
var ErrNotFound = errors.New("not found")

// Store is the transactional task queue shared by submitters and workers.
//
// ClaimNextTask is the only synchronization point between worker instances:
// a pending task is handed to at most one caller. Eligible tasks are pending
// and unclaimed, ordered by priority (highest first) and then by id.
type Store interface {
	InsertTask(ctx context.Context, task *model.Task) (int64, error)
	InsertBaselineTask(ctx context.Context, timeout int, owner, machine string, memory bool) (int64, error)
	AddSample(ctx context.Context, sample *model.Sample) (int64, error)

	ClaimNextTask(ctx context.Context, instance string) (int64, bool, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	GetSample(ctx context.Context, id int64) (*model.Sample, error)
	SetStatus(ctx context.Context, id int64, status model.TaskStatus) error

	// RecoverStale fails tasks still running under instance that were
	// started before now-olderThan. Claims held by other instances are left
	// alone, since their owner may still be processing them.
	RecoverStale(ctx context.Context, instance string, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (model.QueueCounts, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // postgres or sqlite
	DSN    string
}

// Open creates a store for the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// validateTask checks the category-dependent invariants before insert.
func validateTask(task *model.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	switch task.Category {
	case model.CategoryFile, model.CategoryURL:
		if task.Target == "" {
			return fmt.Errorf("%s task requires a target", task.Category)
		}
	case model.CategoryBaseline:
	default:
		return fmt.Errorf("unknown task category: %q", task.Category)
	}
	return nil
}

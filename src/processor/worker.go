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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/storage"
	"analysisqueue/src/store"
)

const defaultPollInterval = time.Second

// TaskPipeline runs the analysis stages for one claimed task.
type TaskPipeline interface {
	Process(ctx context.Context, task *model.Task, copyPath string) error
}

// Worker claims tasks from the queue under one instance name and drives each
// of them through the pipeline, one at a time.
type Worker struct {
	Store    store.Store
	Pipeline TaskPipeline
	Binaries *storage.Binaries

	// PollInterval is how long to wait on an empty queue before claiming
	// again. A value on Wake ends the wait early.
	PollInterval time.Duration
	Wake         <-chan struct{}

	// StaleAfter > 0 fails tasks left running under this instance name and
	// older than this before the loop starts.
	StaleAfter time.Duration

	Stats *logging.WorkerStats
}

type loopState struct {
	count int
	limit int
}

func (s *loopState) done() bool {
	return s.limit > 0 && s.count >= s.limit
}

// Run processes tasks until maxCount tasks were finalized (forever when
// maxCount <= 0), ctx is cancelled, or the queue itself fails.
func (w *Worker) Run(ctx context.Context, instance string, maxCount int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker loop panicked: %v", r)
			logging.Log("Worker loop aborted", slog.LevelError,
				slog.String("instance", instance), slog.String("error", err.Error()))
		}
	}()

	if w.Stats == nil {
		w.Stats = logging.NewWorkerStats(instance)
	}
	w.Stats.SetInstance(instance)

	if w.StaleAfter > 0 {
		n, err := w.Store.RecoverStale(ctx, instance, w.StaleAfter)
		if err != nil {
			return w.fatal(instance, "recovering stale tasks", err)
		}
		if n > 0 {
			logging.Log("Recovered stale tasks", slog.LevelInfo, slog.Int64("count", n))
		}
	}

	logging.Log("Worker started", slog.LevelInfo,
		slog.String("instance", instance), slog.Int("max_count", maxCount))

	wake := w.Wake
	state := loopState{limit: maxCount}
	for !state.done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, ok, err := w.Store.ClaimNextTask(ctx, instance)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.fatal(instance, "claiming task", err)
		}
		if !ok {
			if err := w.wait(ctx, &wake); err != nil {
				return err
			}
			continue
		}

		if err := w.handle(ctx, instance, id); err != nil {
			return err
		}
		state.count++
	}

	logging.Log("Worker reached its task limit", slog.LevelInfo,
		slog.String("instance", instance), slog.Int("count", state.count))
	return nil
}

func (w *Worker) fatal(instance, what string, err error) error {
	logging.Log("Worker loop failed", slog.LevelError,
		slog.String("instance", instance),
		slog.String("stage", what),
		slog.String("error", err.Error()))
	return fmt.Errorf("%s: %w", what, err)
}

// wait blocks until the poll interval elapses, a wake signal arrives or ctx
// is done. A closed wake channel falls back to plain polling.
func (w *Worker) wait(ctx context.Context, wake *<-chan struct{}) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case _, ok := <-*wake:
		if !ok {
			*wake = nil
		}
	}
	return nil
}

// handle finalizes a claimed task with exactly one status write.
func (w *Worker) handle(ctx context.Context, instance string, id int64) error {
	task, err := w.Store.GetTask(ctx, id)
	if err != nil {
		return w.fatal(instance, "loading claimed task", err)
	}

	logging.Log("Processing task", slog.LevelInfo,
		slog.Int64("task_id", task.ID),
		slog.String("category", string(task.Category)),
		slog.String("target", task.Target))
	w.Stats.Started(task)

	status := model.TaskReported
	if procErr := w.process(ctx, task); procErr != nil {
		status = model.TaskFailedProcessing
		logging.Log("Task failed processing", slog.LevelError,
			slog.Int64("task_id", task.ID), slog.String("error", procErr.Error()))
	}

	// The outcome is recorded even when shutdown interrupted processing.
	if err := w.Store.SetStatus(context.WithoutCancel(ctx), task.ID, status); err != nil {
		w.Stats.Finished(false)
		if errors.Is(err, model.ErrInvalidTransition) {
			// Someone else already finalized the task.
			logging.Log("Task status write rejected", slog.LevelWarn,
				slog.Int64("task_id", task.ID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()))
			return nil
		}
		return w.fatal(instance, "finalizing task", err)
	}
	w.Stats.Finished(status == model.TaskReported)

	logging.Log("Task finalized", slog.LevelInfo,
		slog.Int64("task_id", task.ID), slog.String("status", string(status)))
	return nil
}

// process is the per-task failure boundary.
func (w *Worker) process(ctx context.Context, task *model.Task) (err error) {
	ctx, end := logging.StartSpan(ctx, "process_task", attribute.Int64("task_id", task.ID))
	defer func() { end(err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	copyPath, err := w.copyPath(ctx, task)
	if err != nil {
		return err
	}
	return w.Pipeline.Process(ctx, task, copyPath)
}

func (w *Worker) copyPath(ctx context.Context, task *model.Task) (string, error) {
	if task.Category != model.CategoryFile {
		return "", nil
	}
	if task.SampleID == nil {
		return "", fmt.Errorf("file task %d has no sample", task.ID)
	}
	sample, err := w.Store.GetSample(ctx, *task.SampleID)
	if err != nil {
		return "", fmt.Errorf("resolving sample: %w", err)
	}
	return w.Binaries.Path(sample.SHA256), nil
}

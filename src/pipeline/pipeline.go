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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"analysisqueue/src/logging"
	"analysisqueue/src/model"
)

// Results is the analysis document passed between stages.
type Results map[string]any

type Processor interface {
	RunProcessing(ctx context.Context, task *model.Task) (Results, error)
}

// SignatureRunner annotates results in place.
type SignatureRunner interface {
	RunSignatures(ctx context.Context, results Results) error
}

type Reporter interface {
	RunReporting(ctx context.Context, task *model.Task, results Results) error
}

// Pipeline runs processing, signatures and reporting for one task, then
// optionally removes the original target and the binary copy.
type Pipeline struct {
	Processing Processor
	Signatures SignatureRunner
	Reporting  Reporter

	DeleteOriginal bool
	DeleteBinCopy  bool
}

// Process returns the first stage error. Cleanup only runs after all stages
// succeed and its failures are logged, never returned.
func (p *Pipeline) Process(ctx context.Context, task *model.Task, copyPath string) error {
	results, err := p.Processing.RunProcessing(ctx, task)
	if err != nil {
		return fmt.Errorf("processing: %w", err)
	}
	if results == nil {
		results = Results{}
	}

	if p.Signatures != nil {
		if err := p.Signatures.RunSignatures(ctx, results); err != nil {
			return fmt.Errorf("signatures: %w", err)
		}
	}

	if err := p.Reporting.RunReporting(ctx, task, results); err != nil {
		return fmt.Errorf("reporting: %w", err)
	}

	if p.DeleteOriginal && task.Category == model.CategoryFile {
		removeBestEffort(task.ID, "original", task.Target)
	}
	if p.DeleteBinCopy && copyPath != "" {
		removeBestEffort(task.ID, "binary copy", copyPath)
	}
	return nil
}

func removeBestEffort(taskID int64, what, path string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}
	logging.Log("Unable to delete "+what, slog.LevelWarn,
		slog.Int64("task_id", taskID),
		slog.String("path", path),
		slog.String("error", err.Error()))
}

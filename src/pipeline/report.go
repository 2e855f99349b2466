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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"analysisqueue/src/model"
	"analysisqueue/src/storage"
)

// JSONReporter writes the final results to
// <root>/storage/analyses/<id>/reports/report.json.
type JSONReporter struct {
	Binaries *storage.Binaries
}

func (r *JSONReporter) ReportPath(taskID int64) string {
	return filepath.Join(r.Binaries.AnalysisDir(taskID), "reports", "report.json")
}

func (r *JSONReporter) RunReporting(ctx context.Context, task *model.Task, results Results) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := map[string]any{
		"info": map[string]any{
			"id":       task.ID,
			"category": task.Category,
			"target":   task.Target,
			"package":  task.Package,
			"started":  task.StartedOn,
			"machine":  task.Machine,
		},
	}
	for k, v := range results {
		if k != "info" {
			doc[k] = v
		}
	}

	path := r.ReportPath(task.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return os.Rename(tmp, path)
}

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

package submission

import (
	"context"
	"fmt"

	"analysisqueue/src/model"
	"analysisqueue/src/storage"
	"analysisqueue/src/store"
)

// LocalQueueSink inserts tasks straight into the shared queue.
type LocalQueueSink struct {
	Store    store.Store
	Binaries *storage.Binaries
}

// AddFile keeps a hashed copy of the file, records its sample and queues a
// file task pointing at the original path.
func (s *LocalQueueSink) AddFile(ctx context.Context, path string, opts model.TaskOptions) (int64, error) {
	sample, err := s.Binaries.Store(path)
	if err != nil {
		return 0, err
	}

	sampleID, err := s.Store.AddSample(ctx, &sample)
	if err != nil {
		return 0, fmt.Errorf("recording sample: %w", err)
	}

	return s.Store.InsertTask(ctx, &model.Task{
		Category:    model.CategoryFile,
		Target:      path,
		TaskOptions: opts,
		SampleID:    &sampleID,
	})
}

func (s *LocalQueueSink) AddURL(ctx context.Context, url string, opts model.TaskOptions) (int64, error) {
	return s.Store.InsertTask(ctx, &model.Task{
		Category:    model.CategoryURL,
		Target:      url,
		TaskOptions: opts,
	})
}

func (s *LocalQueueSink) AddBaseline(ctx context.Context, opts model.TaskOptions) (int64, error) {
	return s.Store.InsertBaselineTask(ctx, opts.Timeout, opts.Owner, opts.Machine, opts.Memory)
}

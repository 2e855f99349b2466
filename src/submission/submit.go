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
	"iter"
	"log/slog"
	"math/rand/v2"
	"os"
	"path"

	"go.opentelemetry.io/otel/attribute"

	"analysisqueue/src/enumerate"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
)

type Kind string

const (
	KindFile     Kind = "File"
	KindURL      Kind = "URL"
	KindBaseline Kind = "Baseline"
)

// Request describes one submission batch.
type Request struct {
	Targets  []string
	Options  model.TaskOptions
	Baseline bool
	URLs     bool

	// Pattern filters basenames while expanding directories.
	Pattern string
	// MaxCount caps the number of non-empty files submitted. Negative means
	// no limit.
	MaxCount int
	Shuffle  bool
	Rand     *rand.Rand
}

// Outcome is the result for one item. Err is set when the item was skipped
// or could not be submitted.
type Outcome struct {
	Kind   Kind
	Target string
	TaskID int64
	Err    error
}

type Submitter struct {
	Sink TaskSink
}

// Submit sends every item of req through the sink. Failures are yielded as
// outcomes and never stop the batch; the consumer may stop early.
func (s *Submitter) Submit(ctx context.Context, req Request) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		switch {
		case req.Baseline:
			id, err := s.protect(func() (int64, error) { return s.Sink.AddBaseline(ctx, req.Options) })
			yield(record(Outcome{Kind: KindBaseline, Target: req.Options.Machine, TaskID: id, Err: err}))

		case req.URLs:
			for _, u := range req.Targets {
				id, err := s.protect(func() (int64, error) { return s.Sink.AddURL(ctx, u, req.Options) })
				if !yield(record(Outcome{Kind: KindURL, Target: u, TaskID: id, Err: err})) {
					return
				}
			}

		default:
			s.submitFiles(ctx, req, yield)
		}
	}
}

func (s *Submitter) submitFiles(ctx context.Context, req Request, yield func(Outcome) bool) {
	if req.Pattern != "" {
		// A malformed pattern would otherwise match nothing.
		if _, err := path.Match(req.Pattern, ""); err != nil {
			yield(record(Outcome{Kind: KindFile, Target: req.Pattern, Err: fmt.Errorf("pattern %q: %w", req.Pattern, err)}))
			return
		}
	}

	var files []string
	for _, target := range req.Targets {
		for file := range enumerate.Files(target, req.Pattern) {
			files = append(files, file)
		}
	}

	if req.Shuffle {
		shuffle := rand.Shuffle
		if req.Rand != nil {
			shuffle = req.Rand.Shuffle
		}
		shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
	}

	remaining := req.MaxCount
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			if !yield(record(Outcome{Kind: KindFile, Target: file, Err: err})) {
				return
			}
			continue
		}
		if info.Size() == 0 {
			if !yield(record(Outcome{Kind: KindFile, Target: file, Err: ErrEmptyFile})) {
				return
			}
			continue
		}

		if remaining >= 0 {
			if remaining == 0 {
				return
			}
			remaining--
		}

		id, err := s.protect(func() (int64, error) { return s.Sink.AddFile(ctx, file, req.Options) })
		if !yield(record(Outcome{Kind: KindFile, Target: file, TaskID: id, Err: err})) {
			return
		}
	}
}

// protect turns a sink panic into an item error.
func (s *Submitter) protect(fn func() (int64, error)) (id int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, err = 0, fmt.Errorf("submission panicked: %v", r)
		}
	}()
	return fn()
}

func record(o Outcome) Outcome {
	kind := attribute.String("kind", string(o.Kind))
	if o.Err != nil {
		logging.Counter(logging.MetricSubmissionFailures, kind)
		logging.Log("Submission failed", slog.LevelWarn,
			slog.String("kind", string(o.Kind)),
			slog.String("target", o.Target),
			slog.String("error", o.Err.Error()))
		return o
	}
	logging.Counter(logging.MetricTasksSubmitted, kind)
	logging.Log("Task submitted", slog.LevelInfo,
		slog.String("kind", string(o.Kind)),
		slog.String("target", o.Target),
		slog.Int64("task_id", o.TaskID))
	return o
}

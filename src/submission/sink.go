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
	"errors"

	"analysisqueue/src/model"
)

var (
	// ErrRemoteBaseline is reported for baseline requests against a remote node.
	ErrRemoteBaseline = errors.New("remote baseline submission is not supported")
	// ErrEmptyFile is reported for zero-length files, which are never submitted.
	ErrEmptyFile = errors.New("file is empty")
	// ErrRemoteResponse wraps any unusable reply from a remote node.
	ErrRemoteResponse = errors.New("unexpected response from remote node")
)

// TaskSink is a submission destination. A batch picks one sink and sends
// every item through it.
type TaskSink interface {
	AddFile(ctx context.Context, path string, opts model.TaskOptions) (int64, error)
	AddURL(ctx context.Context, url string, opts model.TaskOptions) (int64, error)
	AddBaseline(ctx context.Context, opts model.TaskOptions) (int64, error)
}

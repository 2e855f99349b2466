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

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"analysisqueue/src/model"
)

// Binaries is the content addressed store of submitted samples, laid out as
// <root>/storage/binaries/<sha256>.
type Binaries struct {
	Root string
}

func (b *Binaries) dir() string {
	return filepath.Join(b.Root, "storage", "binaries")
}

// Path returns where the copy of the sample with the given hash lives.
func (b *Binaries) Path(sha string) string {
	return filepath.Join(b.dir(), sha)
}

// AnalysisDir returns the per-task working directory.
func (b *Binaries) AnalysisDir(taskID int64) string {
	return filepath.Join(b.Root, "storage", "analyses", fmt.Sprintf("%d", taskID))
}

// UploadDir returns the directory that holds files received over the API.
func (b *Binaries) UploadDir() string {
	return filepath.Join(b.Root, "storage", "uploads")
}

// Store hashes the file at path and keeps a copy of it keyed by its hash.
// An existing copy is left untouched.
func (b *Binaries) Store(path string) (model.Sample, error) {
	src, err := os.Open(path)
	if err != nil {
		return model.Sample{}, fmt.Errorf("opening sample: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(b.dir(), 0o755); err != nil {
		return model.Sample{}, fmt.Errorf("creating binaries directory: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir(), ".incoming-*")
	if err != nil {
		return model.Sample{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return model.Sample{}, fmt.Errorf("copying sample: %w", err)
	}

	sample := model.Sample{SHA256: hex.EncodeToString(h.Sum(nil)), FileSize: size}
	dst := b.Path(sample.SHA256)
	if _, err := os.Stat(dst); err == nil {
		return sample, nil
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return model.Sample{}, fmt.Errorf("storing sample: %w", err)
	}
	return sample, nil
}

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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinariesStore(t *testing.T) {
	root := t.TempDir()
	b := &Binaries{Root: root}

	src := filepath.Join(t.TempDir(), "sample.exe")
	content := []byte("MZ\x90\x00 not really a PE")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	sample, err := b.Store(src)
	require.NoError(t, err)
	assert.Equal(t, want, sample.SHA256)
	assert.Equal(t, int64(len(content)), sample.FileSize)

	stored, err := os.ReadFile(b.Path(want))
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	// The original is untouched and a second store is idempotent.
	_, err = os.Stat(src)
	require.NoError(t, err)
	again, err := b.Store(src)
	require.NoError(t, err)
	assert.Equal(t, sample, again)

	entries, err := os.ReadDir(filepath.Join(root, "storage", "binaries"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestBinariesStoreMissing(t *testing.T) {
	b := &Binaries{Root: t.TempDir()}
	_, err := b.Store(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestBinariesLayout(t *testing.T) {
	b := &Binaries{Root: "/srv"}
	assert.Equal(t, "/srv/storage/binaries/abc", b.Path("abc"))
	assert.Equal(t, "/srv/storage/analyses/12", b.AnalysisDir(12))
	assert.Equal(t, "/srv/storage/uploads", b.UploadDir())
}

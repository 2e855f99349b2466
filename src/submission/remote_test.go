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
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisqueue/src/model"
	"analysisqueue/src/storage"
	"analysisqueue/src/store"
)

func TestRemoteAddURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/create/url", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "http://example.com", r.PostForm.Get("url"))
		assert.Equal(t, "ie", r.PostForm.Get("package"))
		assert.Equal(t, "3", r.PostForm.Get("priority"))
		assert.Equal(t, "a,b", r.PostForm.Get("tags"))
		w.Write([]byte(`{"task_id": 42}`))
	}))
	defer srv.Close()

	sink := NewRemoteHTTPSink(strings.TrimPrefix(srv.URL, "http://"), "secret")
	id, err := sink.AddURL(context.Background(), "http://example.com", model.TaskOptions{
		Package:  "ie",
		Priority: 3,
		Tags:     []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestRemoteAddFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ payload"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/create/file", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "120", r.FormValue("timeout"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "sample.exe", hdr.Filename)
		assert.Equal(t, "MZ payload", string(body))

		w.Write([]byte(`{"task_id": 7}`))
	}))
	defer srv.Close()

	id, err := NewRemoteHTTPSink(srv.URL, "").AddFile(context.Background(), path, model.TaskOptions{Timeout: 120})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestRemoteBadResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error": "db down"}`},
		{"not json", http.StatusOK, `<html>`},
		{"missing id", http.StatusOK, `{"id": 3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewRemoteHTTPSink(srv.URL, "").AddURL(context.Background(), "http://x", model.TaskOptions{})
			assert.ErrorIs(t, err, ErrRemoteResponse)
		})
	}
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewRemoteHTTPSink(addr, "").AddURL(context.Background(), "http://x", model.TaskOptions{})
	assert.Error(t, err)
}

func TestRemoteBaselineIsDiagnostic(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ok, failed := collect(&Submitter{Sink: NewRemoteHTTPSink(srv.URL, "")}, Request{Baseline: true})

	assert.Empty(t, ok)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrRemoteBaseline)
	assert.Zero(t, hits.Load())
}

func TestFormRoundTrip(t *testing.T) {
	clock := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	in := model.TaskOptions{
		Package:        "pdf",
		Timeout:        60,
		Priority:       2,
		Machine:        "vm1",
		Platform:       "windows",
		Memory:         true,
		EnforceTimeout: true,
		Custom:         "batch-7",
		Owner:          "alice",
		Tags:           []string{"x64"},
		Clock:          &clock,
		Options:        map[string]string{"free": "yes", "route": "none"},
	}

	out, err := DecodeForm(EncodeForm(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeForm(map[string][]string{"timeout": {"soon"}})
	assert.Error(t, err)
	_, err = DecodeForm(map[string][]string{"clock": {"2024-05-17"}})
	assert.Error(t, err)
}

func TestLocalQueueSink(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(root, "queue.db"))
	require.NoError(t, err)
	defer st.Close()

	sink := &LocalQueueSink{Store: st, Binaries: &storage.Binaries{Root: root}}
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0o644))

	id, err := sink.AddFile(ctx, path, model.TaskOptions{Package: "exe"})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryFile, task.Category)
	assert.Equal(t, path, task.Target)
	assert.Equal(t, "exe", task.Package)
	require.NotNil(t, task.SampleID)

	sample, err := st.GetSample(ctx, *task.SampleID)
	require.NoError(t, err)
	_, err = os.Stat(sink.Binaries.Path(sample.SHA256))
	assert.NoError(t, err)

	urlID, err := sink.AddURL(ctx, "http://example.com", model.TaskOptions{})
	require.NoError(t, err)
	baseID, err := sink.AddBaseline(ctx, model.TaskOptions{Machine: "vm1", Timeout: 30})
	require.NoError(t, err)
	assert.NotEqual(t, urlID, baseID)

	base, err := st.GetTask(ctx, baseID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryBaseline, base.Category)
	assert.Equal(t, "vm1", base.Machine)
}

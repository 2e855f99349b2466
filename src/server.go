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

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"analysisqueue/src/logging"
	"analysisqueue/src/storage"
	"analysisqueue/src/store"
	"analysisqueue/src/submission"
)

const maxUploadMemory = 32 << 20

// HostMetrics describes the machine the node runs on.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFree      uint64  `json:"disk_free_bytes"`
}

// StatusResponse for JSON output
type StatusResponse struct {
	logging.StatusResponse
	Host HostMetrics `json:"host"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store    store.Store
	sink     *submission.LocalQueueSink
	binaries *storage.Binaries
	stats    *logging.WorkerStats
	token    string
}

func NewAPIServer(st store.Store, binaries *storage.Binaries, stats *logging.WorkerStats, token string) *APIServer {
	return &APIServer{
		store:    st,
		sink:     &submission.LocalQueueSink{Store: st, Binaries: binaries},
		binaries: binaries,
		stats:    stats,
		token:    token,
	}
}

// Handler returns the instrumented router.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	mux.HandleFunc("POST /tasks/create/url", s.createURLHandler)
	mux.HandleFunc("POST /tasks/create/file", s.createFileHandler)

	return otelhttp.NewHandler(s.authenticate(mux), "queue-api-server")
}

// StartAPIServer serves until ctx is done, then drains for up to 10s.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log("API server starting", slog.LevelInfo, slog.String("port", port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}

	return nil
}

func (s *APIServer) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Host: s.hostMetrics(r.Context())}
	if s.stats != nil {
		resp.StatusResponse = s.stats.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// hostMetrics is best effort; a failing reading leaves its fields zero.
func (s *APIServer) hostMetrics(ctx context.Context) HostMetrics {
	var m HostMetrics

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsed = vm.Used
		m.MemoryTotal = vm.Total
	}
	if du, err := disk.UsageWithContext(ctx, s.binaries.Root); err == nil {
		m.DiskPercent = du.UsedPercent
		m.DiskFree = du.Free
	}
	return m
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		logging.Log("Failed to query queue stats", slog.LevelError, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to query queue stats")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *APIServer) createURLHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := strings.TrimSpace(r.PostForm.Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts, err := submission.DecodeForm(r.PostForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.sink.AddURL(r.Context(), target, opts)
	if err != nil {
		logging.Log("Failed to queue URL", slog.LevelError, slog.String("url", target), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"task_id": id})
}

func (s *APIServer) createFileHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	opts, err := submission.DecodeForm(r.PostForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, size, err := s.saveUpload(file, header.Filename)
	if err != nil {
		logging.Log("Failed to store upload", slog.LevelError, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if size == 0 {
		os.RemoveAll(filepath.Dir(path))
		writeError(w, http.StatusBadRequest, submission.ErrEmptyFile.Error())
		return
	}

	id, err := s.sink.AddFile(r.Context(), path, opts)
	if err != nil {
		logging.Log("Failed to queue file", slog.LevelError, slog.String("path", path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"task_id": id})
}

// saveUpload writes the upload to <uploads>/<uuid>/<basename>.
func (s *APIServer) saveUpload(src io.Reader, name string) (string, int64, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "upload"
	}

	dir := filepath.Join(s.binaries.UploadDir(), uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}

	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", 0, err
	}
	return path, size, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

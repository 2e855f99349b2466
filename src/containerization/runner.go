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

package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/pipeline"
	"analysisqueue/src/storage"
)

// Paths inside the processing container.
const (
	workDir      = "/analysis"
	taskFileName = "task.json"
	binaryName   = "binary"
)

// SampleLookup resolves the sample a file task points at.
type SampleLookup interface {
	GetSample(ctx context.Context, id int64) (*model.Sample, error)
}

// Runner is the processing stage. It runs the processing tool inside a
// persistent, network-less container that is reused across tasks and reaped
// once idle.
type Runner struct {
	Client   client.APIClient
	Samples  SampleLookup
	Binaries *storage.Binaries

	Image    string
	Command  []string
	MemoryMB int64
	CPULimit float64

	mu          sync.Mutex
	containerID string
	lastUsedAt  time.Time
}

// taskDocument is what the processing tool reads from task.json.
type taskDocument struct {
	*model.Task
	BinaryPath string `json:"binary_path,omitempty"`
}

// PullImage makes sure the processing image is present locally.
func (r *Runner) PullImage(ctx context.Context) error {
	reader, err := r.Client.ImagePull(ctx, r.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", r.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) RunProcessing(ctx context.Context, task *model.Task) (pipeline.Results, error) {
	binary, err := r.binaryPath(ctx, task)
	if err != nil {
		return nil, err
	}

	archive, err := buildArchive(task, binary)
	if err != nil {
		return nil, fmt.Errorf("building task archive: %w", err)
	}

	containerID, err := r.getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.Client.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copying task to container: %w", err)
	}

	stdout, stderr, exitCode, err := r.exec(ctx, containerID, r.Command)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		logging.Log("Processing tool failed", slog.LevelError,
			slog.Int64("task_id", task.ID),
			slog.Int("exit_code", exitCode),
			slog.String("stderr", stderr))
		return nil, fmt.Errorf("processing tool exited with code %d", exitCode)
	}

	r.mu.Lock()
	r.lastUsedAt = time.Now()
	r.mu.Unlock()

	return parseResults(stdout)
}

func (r *Runner) binaryPath(ctx context.Context, task *model.Task) (string, error) {
	if task.Category != model.CategoryFile || task.SampleID == nil {
		return "", nil
	}
	sample, err := r.Samples.GetSample(ctx, *task.SampleID)
	if err != nil {
		return "", fmt.Errorf("resolving sample: %w", err)
	}
	return r.Binaries.Path(sample.SHA256), nil
}

// buildArchive packs task.json and, when present, the binary under
// /analysis.
func buildArchive(task *model.Task, binary string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	doc := taskDocument{Task: task}
	if binary != "" {
		doc.BinaryPath = workDir + "/" + binaryName
	}
	taskData, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	if err := tw.WriteHeader(&tar.Header{Name: workDir[1:] + "/", Mode: 0o755, Typeflag: tar.TypeDir}); err != nil {
		return nil, err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: workDir[1:] + "/" + taskFileName,
		Mode: 0o644,
		Size: int64(len(taskData)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(taskData); err != nil {
		return nil, err
	}

	if binary != "" {
		f, err := os.Open(binary)
		if err != nil {
			return nil, fmt.Errorf("opening binary copy: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: workDir[1:] + "/" + binaryName,
			Mode: 0o644,
			Size: info.Size(),
		}); err != nil {
			return nil, err
		}
		if _, err := io.Copy(tw, f); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// parseResults requires the tool's stdout to be a single JSON object.
func parseResults(stdout string) (pipeline.Results, error) {
	var results pipeline.Results
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		return nil, fmt.Errorf("decoding processing output: %w", err)
	}
	if results == nil {
		return nil, fmt.Errorf("processing output is not a JSON object")
	}
	return results, nil
}

func (r *Runner) getOrCreateContainer(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containerID != "" {
		inspect, err := r.Client.ContainerInspect(ctx, r.containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			// Leftovers from the previous task.
			_, _, code, err := r.exec(ctx, r.containerID, []string{"sh", "-c", "rm -rf " + workDir})
			if err == nil && code == 0 {
				r.lastUsedAt = time.Now()
				return r.containerID, nil
			}
			logging.Log("Reused container could not be cleaned, replacing it", slog.LevelWarn,
				slog.String("container", shortID(r.containerID)))
		}
		r.Client.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true})
		r.containerID = ""
	}

	resp, err := r.Client.ContainerCreate(ctx, &container.Config{
		Image: r.Image,
		Cmd:   []string{"sleep", "infinity"}, // Keep it alive
		Tty:   false,
	}, &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   r.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(r.CPULimit * math.Pow10(9)),
		},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := r.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.Client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container: %w", err)
	}

	r.containerID = resp.ID
	r.lastUsedAt = time.Now()
	logging.Log("New persistent container created", slog.LevelInfo, slog.String("container", shortID(resp.ID)))
	return r.containerID, nil
}

func (r *Runner) exec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	created, err := r.Client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("creating exec: %w", err)
	}

	resp, err := r.Client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("attaching to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return "", "", 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return "", "", 0, fmt.Errorf("reading exec output: %w", err)
		}
	}

	inspect, err := r.Client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// RunReaper removes the persistent container once it sat idle for longer
// than timeout. It returns when ctx is done.
func (r *Runner) RunReaper(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.containerID == "" || time.Since(r.lastUsedAt) <= timeout {
				r.mu.Unlock()
				continue
			}
			id := r.containerID
			r.containerID = ""
			r.mu.Unlock()

			logging.Log("Idle timeout reached, removing container", slog.LevelInfo, slog.String("container", shortID(id)))
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			r.Client.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
			cancel()
		}
	}
}

// Cleanup removes the persistent container, if any.
func (r *Runner) Cleanup(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.containerID == "" {
		return
	}
	logging.Log("Cleaning up active container", slog.LevelInfo, slog.String("container", shortID(r.containerID)))
	if err := r.Client.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true}); err != nil {
		logging.Log("Failed to remove container", slog.LevelWarn, slog.String("error", err.Error()))
	}
	r.containerID = ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

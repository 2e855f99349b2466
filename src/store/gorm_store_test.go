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

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisqueue/src/model"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertURL(t *testing.T, s Store, target string, priority int) int64 {
	t.Helper()
	id, err := s.InsertTask(context.Background(), &model.Task{
		Category:    model.CategoryURL,
		Target:      target,
		TaskOptions: model.TaskOptions{Priority: priority},
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.InsertTask(ctx, &model.Task{
		Category: model.CategoryURL,
		Target:   "http://example.com",
		Status:   model.TaskReported, // ignored on insert
		TaskOptions: model.TaskOptions{
			Package:  "ie",
			Timeout:  120,
			Priority: 2,
			Tags:     []string{"x64", "win7"},
			Options:  map[string]string{"free": "yes"},
			Clock:    &clock,
		},
	})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, "ie", task.Package)
	assert.Equal(t, 120, task.Timeout)
	assert.Equal(t, []string{"x64", "win7"}, task.Tags)
	assert.Equal(t, "yes", task.Options["free"])
	require.NotNil(t, task.Clock)
	assert.True(t, clock.Equal(*task.Clock))
	assert.Nil(t, task.Processing)
	assert.False(t, task.AddedOn.IsZero())

	_, err = s.GetTask(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertTaskValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertTask(ctx, &model.Task{Category: model.CategoryURL})
	assert.Error(t, err)
	_, err = s.InsertTask(ctx, &model.Task{Category: "weird", Target: "x"})
	assert.Error(t, err)
	_, err = s.InsertTask(ctx, nil)
	assert.Error(t, err)
}

func TestInsertBaselineTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertBaselineTask(ctx, 60, "alice", "vm1", true)
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryBaseline, task.Category)
	assert.Empty(t, task.Target)
	assert.Equal(t, 60, task.Timeout)
	assert.Equal(t, "alice", task.Owner)
	assert.Equal(t, "vm1", task.Machine)
	assert.True(t, task.Memory)
}

func TestAddSampleIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AddSample(ctx, &model.Sample{SHA256: "aa", FileSize: 10})
	require.NoError(t, err)
	second, err := s.AddSample(ctx, &model.Sample{SHA256: "aa", FileSize: 10})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := s.AddSample(ctx, &model.Sample{SHA256: "bb", FileSize: 3})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	sample, err := s.GetSample(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "bb", sample.SHA256)
	assert.Equal(t, int64(3), sample.FileSize)

	_, err = s.GetSample(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AddSample(ctx, &model.Sample{})
	assert.Error(t, err)
}

func TestClaimOrdersByPriorityThenID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := insertURL(t, s, "http://low", 1)
	highA := insertURL(t, s, "http://high-a", 3)
	highB := insertURL(t, s, "http://high-b", 3)

	var order []int64
	for range 3 {
		id, ok, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, id)
	}
	assert.Equal(t, []int64{highA, highB, low}, order)

	_, ok, err := s.ClaimNextTask(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := s.GetTask(ctx, low)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	require.NotNil(t, task.Processing)
	assert.Equal(t, "w1", *task.Processing)
	assert.NotNil(t, task.StartedOn)
}

func TestClaimConcurrentNoDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const tasks = 40
	for i := range tasks {
		insertURL(t, s, fmt.Sprintf("http://example.com/%d", i), 0)
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]string{}
		wg      sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for {
				id, ok, err := s.ClaimNextTask(ctx, name)
				if !assert.NoError(t, err) || !ok {
					return
				}
				mu.Lock()
				_, dup := claimed[id]
				assert.False(t, dup, "task %d claimed twice", id)
				claimed[id] = name
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
}

func TestSetStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertURL(t, s, "http://example.com", 0)
	_, _, err := s.ClaimNextTask(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, s.SetStatus(ctx, id, model.TaskReported))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReported, task.Status)
	assert.NotNil(t, task.CompletedOn)

	// Terminal statuses are final.
	err = s.SetStatus(ctx, id, model.TaskFailedProcessing)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	err = s.SetStatus(ctx, id, model.TaskReported)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	err = s.SetStatus(ctx, id+50, model.TaskReported)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertURL(t, s, "http://example.com", 0)
	held := insertURL(t, s, "http://example.org", 0)
	pending := insertURL(t, s, "http://example.net", 0)
	_, ok, err := s.ClaimNextTask(ctx, "crashed")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ClaimNextTask(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RecoverStale(ctx, "crashed", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(20 * time.Millisecond)
	n, err = s.RecoverStale(ctx, "crashed", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailedProcessing, task.Status)

	// The claim held by another instance is not touched.
	task, err = s.GetTask(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	require.NotNil(t, task.Processing)
	assert.Equal(t, "other", *task.Processing)

	task, err = s.GetTask(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertURL(t, s, "http://a", 0)
	b := insertURL(t, s, "http://b", 0)
	insertURL(t, s, "http://c", 0)
	insertURL(t, s, "http://d", 0)

	for range 3 {
		_, _, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
	}
	require.NoError(t, s.SetStatus(ctx, a, model.TaskReported))
	require.NoError(t, s.SetStatus(ctx, b, model.TaskFailedProcessing))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.TotalTasks)
	assert.Equal(t, 1, counts.PendingTasks)
	assert.Equal(t, 1, counts.RunningTasks)
	assert.Equal(t, 1, counts.ReportedTasks)
	assert.Equal(t, 1, counts.FailedTasks)
	assert.GreaterOrEqual(t, counts.AvgProcessingSec, 0.0)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"})
	assert.Error(t, err)
}

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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"analysisqueue/src/model"
)

type taskRecord struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Target         string `gorm:"not null;default:''"`
	Category       string `gorm:"not null"`
	Package        string
	Timeout        int
	Priority       int `gorm:"index"`
	Machine        string
	Platform       string
	Memory         bool
	EnforceTimeout bool
	Custom         string
	Owner          string
	Tags           string // JSON array
	Options        string // JSON object
	Clock          *time.Time
	Status         string     `gorm:"not null;index"`
	SampleID       *int64     `gorm:"index"`
	Processing     *string    `gorm:"index"`
	AddedOn        time.Time  `gorm:"not null"`
	StartedOn      *time.Time
	CompletedOn    *time.Time
}

func (taskRecord) TableName() string { return "tasks" }

type sampleRecord struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	SHA256   string `gorm:"column:sha256;uniqueIndex;not null"`
	FileSize int64
}

func (sampleRecord) TableName() string { return "samples" }

// GormStore is a Store on top of any gorm dialector. The claim is a
// conditional update, so it stays correct without row locks.
type GormStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) an sqlite queue at path.
func NewSQLiteStore(path string) (*GormStore, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	s, err := NewGormStore(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}

	// sqlite has a single writer; one connection keeps transactions serialized
	// instead of failing with SQLITE_BUSY.
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return s, nil
}

// NewGormStore creates a GormStore and migrates the schema.
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&sampleRecord{}, &taskRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrating tables: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) InsertTask(ctx context.Context, task *model.Task) (int64, error) {
	if err := validateTask(task); err != nil {
		return 0, err
	}

	rec, err := recordFromTask(task)
	if err != nil {
		return 0, err
	}
	rec.ID = 0
	rec.Status = string(model.TaskPending)
	rec.Processing = nil
	rec.StartedOn = nil
	rec.CompletedOn = nil
	rec.AddedOn = time.Now().UTC()

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return rec.ID, nil
}

func (s *GormStore) InsertBaselineTask(ctx context.Context, timeout int, owner, machine string, memory bool) (int64, error) {
	return s.InsertTask(ctx, &model.Task{
		Category: model.CategoryBaseline,
		TaskOptions: model.TaskOptions{
			Timeout: timeout,
			Owner:   owner,
			Machine: machine,
			Memory:  memory,
		},
	})
}

func (s *GormStore) AddSample(ctx context.Context, sample *model.Sample) (int64, error) {
	if sample == nil || sample.SHA256 == "" {
		return 0, fmt.Errorf("sample hash is required")
	}

	var rec sampleRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where(sampleRecord{SHA256: sample.SHA256}).
			Attrs(sampleRecord{FileSize: sample.FileSize}).
			FirstOrCreate(&rec).Error
	})
	if err != nil {
		return 0, fmt.Errorf("adding sample: %w", err)
	}
	return rec.ID, nil
}

func (s *GormStore) ClaimNextTask(ctx context.Context, instance string) (int64, bool, error) {
	var claimed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		res := tx.Where("status = ? AND processing IS NULL", string(model.TaskPending)).
			Order("priority DESC, id ASC").
			Limit(1).
			Find(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&taskRecord{}).
			Where("id = ? AND status = ? AND processing IS NULL", rec.ID, string(model.TaskPending)).
			Updates(map[string]any{
				"status":     string(model.TaskRunning),
				"processing": instance,
				"started_on": time.Now().UTC(),
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 1 {
			claimed = rec.ID
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("claiming task: %w", err)
	}
	return claimed, claimed != 0, nil
}

func (s *GormStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return rec.toTask()
}

func (s *GormStore) GetSample(ctx context.Context, id int64) (*model.Sample, error) {
	var rec sampleRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sample: %w", err)
	}
	return &model.Sample{ID: rec.ID, SHA256: rec.SHA256, FileSize: rec.FileSize}, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		err := tx.Select("id", "status").First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying task status: %w", err)
		}

		current := model.TaskStatus(rec.Status)
		if err := model.ValidateTransition(current, status); err != nil {
			return fmt.Errorf("task %d: %w", id, err)
		}

		updates := map[string]any{"status": string(status)}
		if status.IsTerminal() {
			updates["completed_on"] = time.Now().UTC()
		}
		upd := tx.Model(&taskRecord{}).Where("id = ? AND status = ?", id, rec.Status).Updates(updates)
		if upd.Error != nil {
			return fmt.Errorf("updating task status: %w", upd.Error)
		}
		if upd.RowsAffected != 1 {
			return fmt.Errorf("task %d: %w: status changed concurrently", id, model.ErrInvalidTransition)
		}
		return nil
	})
}

func (s *GormStore) RecoverStale(ctx context.Context, instance string, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("status = ? AND processing = ? AND started_on < ?", string(model.TaskRunning), instance, now.Add(-olderThan)).
		Updates(map[string]any{
			"status":       string(model.TaskFailedProcessing),
			"completed_on": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("recovering stale tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) Counts(ctx context.Context) (model.QueueCounts, error) {
	var counts model.QueueCounts

	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&taskRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return counts, fmt.Errorf("counting tasks: %w", err)
	}
	for _, r := range rows {
		counts.Add(model.TaskStatus(r.Status), r.N)
	}

	var done []taskRecord
	err = s.db.WithContext(ctx).
		Select("started_on", "completed_on").
		Where("status = ? AND started_on IS NOT NULL AND completed_on IS NOT NULL", string(model.TaskReported)).
		Find(&done).Error
	if err != nil {
		return counts, fmt.Errorf("querying processing times: %w", err)
	}
	if len(done) > 0 {
		var total time.Duration
		for _, r := range done {
			total += r.CompletedOn.Sub(*r.StartedOn)
		}
		counts.AvgProcessingSec = total.Seconds() / float64(len(done))
	}

	return counts, nil
}

func recordFromTask(task *model.Task) (taskRecord, error) {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return taskRecord{}, fmt.Errorf("marshal tags: %w", err)
	}
	opts := task.Options
	if opts == nil {
		opts = map[string]string{}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return taskRecord{}, fmt.Errorf("marshal options: %w", err)
	}

	return taskRecord{
		ID:             task.ID,
		Target:         task.Target,
		Category:       string(task.Category),
		Package:        task.Package,
		Timeout:        task.Timeout,
		Priority:       task.Priority,
		Machine:        task.Machine,
		Platform:       task.Platform,
		Memory:         task.Memory,
		EnforceTimeout: task.EnforceTimeout,
		Custom:         task.Custom,
		Owner:          task.Owner,
		Tags:           string(tagsJSON),
		Options:        string(optsJSON),
		Clock:          task.Clock,
		Status:         string(task.Status),
		SampleID:       task.SampleID,
		Processing:     task.Processing,
		AddedOn:        task.AddedOn,
		StartedOn:      task.StartedOn,
		CompletedOn:    task.CompletedOn,
	}, nil
}

func (r *taskRecord) toTask() (*model.Task, error) {
	task := &model.Task{
		ID:       r.ID,
		Category: model.Category(r.Category),
		Target:   r.Target,
		TaskOptions: model.TaskOptions{
			Package:        r.Package,
			Timeout:        r.Timeout,
			Priority:       r.Priority,
			Machine:        r.Machine,
			Platform:       r.Platform,
			Memory:         r.Memory,
			EnforceTimeout: r.EnforceTimeout,
			Custom:         r.Custom,
			Owner:          r.Owner,
			Clock:          r.Clock,
		},
		Status:      model.TaskStatus(r.Status),
		SampleID:    r.SampleID,
		Processing:  r.Processing,
		AddedOn:     r.AddedOn,
		StartedOn:   r.StartedOn,
		CompletedOn: r.CompletedOn,
	}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &task.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if r.Options != "" {
		if err := json.Unmarshal([]byte(r.Options), &task.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return task, nil
}

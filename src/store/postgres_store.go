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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"analysisqueue/src/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every insert.
const NotifyChannel = "tasks_updated"

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id        BIGSERIAL PRIMARY KEY,
	sha256    TEXT NOT NULL UNIQUE,
	file_size BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id              BIGSERIAL PRIMARY KEY,
	target          TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL,
	package         TEXT NOT NULL DEFAULT '',
	timeout         INTEGER NOT NULL DEFAULT 0,
	priority        INTEGER NOT NULL DEFAULT 0,
	machine         TEXT NOT NULL DEFAULT '',
	platform        TEXT NOT NULL DEFAULT '',
	memory          BOOLEAN NOT NULL DEFAULT FALSE,
	enforce_timeout BOOLEAN NOT NULL DEFAULT FALSE,
	custom          TEXT NOT NULL DEFAULT '',
	owner           TEXT NOT NULL DEFAULT '',
	tags            TEXT[] NOT NULL DEFAULT '{}',
	options         JSONB NOT NULL DEFAULT '{}',
	clock           TIMESTAMPTZ,
	status          TEXT NOT NULL DEFAULT 'pending',
	sample_id       BIGINT REFERENCES samples(id),
	processing      TEXT,
	added_on        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_on      TIMESTAMPTZ,
	completed_on    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (priority DESC, id) WHERE status = 'pending' AND processing IS NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

const taskColumns = `id, target, category, package, timeout, priority, machine, platform,
	memory, enforce_timeout, custom, owner, tags, options, clock, status,
	sample_id, processing, added_on, started_on, completed_on`

// PostgresStore is the shared queue for multi-host deployments. Claims use
// row locks with SKIP LOCKED so concurrent workers never block each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertTask(ctx context.Context, task *model.Task) (int64, error) {
	if err := validateTask(task); err != nil {
		return 0, err
	}

	opts := task.Options
	if opts == nil {
		opts = map[string]string{}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tasks (
			target, category, package, timeout, priority, machine, platform,
			memory, enforce_timeout, custom, owner, tags, options, clock,
			status, sample_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`,
		task.Target,
		string(task.Category),
		task.Package,
		task.Timeout,
		task.Priority,
		task.Machine,
		task.Platform,
		task.Memory,
		task.EnforceTimeout,
		task.Custom,
		task.Owner,
		pq.Array(tags),
		string(optsJSON),
		task.Clock,
		string(model.TaskPending),
		task.SampleID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}

	// Delivered on commit, wakes idle workers before their next poll.
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprint(id)); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) InsertBaselineTask(ctx context.Context, timeout int, owner, machine string, memory bool) (int64, error) {
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

func (s *PostgresStore) AddSample(ctx context.Context, sample *model.Sample) (int64, error) {
	if sample == nil || sample.SHA256 == "" {
		return 0, fmt.Errorf("sample hash is required")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO samples (sha256, file_size) VALUES ($1, $2)
		ON CONFLICT (sha256) DO UPDATE SET sha256 = EXCLUDED.sha256
		RETURNING id
	`, sample.SHA256, sample.FileSize).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert sample: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimNextTask(ctx context.Context, instance string) (int64, bool, error) {
	// Get task using transaction for locking
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM tasks
		WHERE status = $1
		AND processing IS NULL
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(model.TaskPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query pending task: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = $1, processing = $2, started_on = NOW() WHERE id = $3`,
		string(model.TaskRunning), instance, id)
	if err != nil {
		return 0, false, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit transaction: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	var (
		task     model.Task
		category string
		status   string
		optsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id).Scan(
		&task.ID,
		&task.Target,
		&category,
		&task.Package,
		&task.Timeout,
		&task.Priority,
		&task.Machine,
		&task.Platform,
		&task.Memory,
		&task.EnforceTimeout,
		&task.Custom,
		&task.Owner,
		pq.Array(&task.Tags),
		&optsJSON,
		&task.Clock,
		&status,
		&task.SampleID,
		&task.Processing,
		&task.AddedOn,
		&task.StartedOn,
		&task.CompletedOn,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	task.Category = model.Category(category)
	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal(optsJSON, &task.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return &task, nil
}

func (s *PostgresStore) GetSample(ctx context.Context, id int64) (*model.Sample, error) {
	var sample model.Sample
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sha256, file_size FROM samples WHERE id = $1`, id,
	).Scan(&sample.ID, &sample.SHA256, &sample.FileSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sample: %w", err)
	}
	return &sample, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query task status: %w", err)
	}

	if err := model.ValidateTransition(model.TaskStatus(current), status); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
			completed_on = CASE WHEN $2 THEN NOW() ELSE completed_on END
		WHERE id = $3
	`, string(status), status.IsTerminal(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecoverStale fails the tasks an earlier run of instance left behind.
func (s *PostgresStore) RecoverStale(ctx context.Context, instance string, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
			completed_on = NOW()
		WHERE status = $2
		AND processing = $3
		AND started_on < $4`,
		string(model.TaskFailedProcessing), string(model.TaskRunning), instance, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Counts(ctx context.Context) (model.QueueCounts, error) {
	var counts model.QueueCounts

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan count row: %w", err)
		}
		counts.Add(model.TaskStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate count rows: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_on - started_on))), 0)
		FROM tasks
		WHERE status = $1 AND completed_on IS NOT NULL AND started_on IS NOT NULL
	`, string(model.TaskReported)).Scan(&counts.AvgProcessingSec)
	if err != nil {
		return counts, fmt.Errorf("query processing times: %w", err)
	}

	return counts, nil
}

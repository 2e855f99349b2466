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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(".", "queue.db"), cfg.DSN())
	assert.Equal(t, time.Second, cfg.Processing.PollInterval)
	assert.False(t, cfg.Processing.DeleteOriginal)
	assert.Equal(t, "8080", cfg.API.Port)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  root: /srv/sandbox
processing:
  delete_original: true
  poll_interval: 250ms
container:
  image: processing:v2
  command: ["run", "/analysis/task.json"]
`), 0o644))

	t.Setenv("DELETE_BIN_COPY", "true")
	t.Setenv("POLLING_INTERVAL", "2")
	t.Setenv("API_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/sandbox", cfg.Storage.Root)
	assert.True(t, cfg.Processing.DeleteOriginal)
	assert.True(t, cfg.Processing.DeleteBinCopy)
	assert.Equal(t, 2*time.Second, cfg.Processing.PollInterval)
	assert.Equal(t, "processing:v2", cfg.Container.Image)
	assert.Equal(t, []string{"run", "/analysis/task.json"}, cfg.Container.Command)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, "/srv/sandbox/queue.db", cfg.DSN())
}

func TestLoadDotEnvPostgres(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// godotenv never overrides variables that are already set.
	for _, key := range []string{"DB_DRIVER", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_HOST", "DB_DSN"} {
		if _, ok := os.LookupEnv(key); ok {
			t.Skipf("%s set in the environment", key)
		}
	}
	t.Cleanup(func() {
		for _, key := range []string{"DB_DRIVER", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_HOST"} {
			os.Unsetenv(key)
		}
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"DB_DRIVER=postgres\nDB_USER=analyst\nDB_PASSWORD=pw\nDB_NAME=queue\nDB_HOST=db.local\n",
	), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "user=analyst password=pw dbname=queue host=db.local port=5432 sslmode=require", cfg.DSN())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "postgres"
	assert.Error(t, cfg.Validate(), "postgres without a dsn or database name")

	cfg = Default()
	cfg.Processing.PollInterval = 0
	assert.Error(t, cfg.Validate())

	t.Setenv("DELETE_ORIGINAL", "maybe")
	_, err := Load("")
	assert.Error(t, err)
}

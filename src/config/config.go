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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		Driver   string `yaml:"driver"` // postgres or sqlite
		DSN      string `yaml:"dsn"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`

	Processing struct {
		DeleteOriginal bool          `yaml:"delete_original"`
		DeleteBinCopy  bool          `yaml:"delete_bin_copy"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		StaleAfter     time.Duration `yaml:"stale_after"`
		SignaturesFile string        `yaml:"signatures_file"`
	} `yaml:"processing"`

	Container struct {
		Image       string        `yaml:"image"`
		Command     []string      `yaml:"command"`
		MemoryMB    int64         `yaml:"memory_mb"`
		CPULimit    float64       `yaml:"cpu_limit"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"container"`

	API struct {
		Port  string `yaml:"port"`
		Token string `yaml:"token"`
	} `yaml:"api"`

	Log struct {
		File string `yaml:"file"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Driver = "sqlite"
	cfg.Database.Port = "5432"
	cfg.Database.SSLMode = "require"

	cfg.Storage.Root = "."

	cfg.Processing.PollInterval = time.Second

	cfg.Container.Image = "analysis-processing:latest"
	cfg.Container.Command = []string{"process-task", "/analysis/task.json"}
	cfg.Container.MemoryMB = 512
	cfg.Container.CPULimit = 0.5
	cfg.Container.IdleTimeout = 5 * time.Minute

	cfg.API.Port = "8080"

	return cfg
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory and the process environment,
// in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_SSLMODE", &c.Database.SSLMode)

	str("STORAGE_ROOT", &c.Storage.Root)

	boolean("DELETE_ORIGINAL", &c.Processing.DeleteOriginal)
	boolean("DELETE_BIN_COPY", &c.Processing.DeleteBinCopy)
	duration("POLLING_INTERVAL", &c.Processing.PollInterval)
	duration("STALE_AFTER", &c.Processing.StaleAfter)
	str("SIGNATURES_FILE", &c.Processing.SignaturesFile)

	str("CONTAINER_IMAGE", &c.Container.Image)
	if v, ok := os.LookupEnv("PROCESSING_COMMAND"); ok {
		c.Container.Command = strings.Fields(v)
	}
	if v, ok := os.LookupEnv("CONTAINER_MEMORY_MB"); ok {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_MEMORY_MB: %w", err))
		} else {
			c.Container.MemoryMB = mb
		}
	}
	if v, ok := os.LookupEnv("CONTAINER_CPU_LIMIT"); ok {
		cpu, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONTAINER_CPU_LIMIT: %w", err))
		} else {
			c.Container.CPULimit = cpu
		}
	}
	duration("CONTAINER_IDLE_TIMEOUT", &c.Container.IdleTimeout)

	str("API_PORT", &c.API.Port)
	str("API_TOKEN", &c.API.Token)

	str("LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations and bare integers, which are seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.DSN() == "" {
			return fmt.Errorf("postgres requires database.dsn or database.name")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Processing.PollInterval <= 0 {
		return fmt.Errorf("invalid processing.poll_interval: %s", c.Processing.PollInterval)
	}
	if c.Processing.StaleAfter < 0 {
		return fmt.Errorf("invalid processing.stale_after: %s", c.Processing.StaleAfter)
	}
	return nil
}

// DSN returns the explicit database.dsn. Without one, postgres assembles a
// connection string from the DB_* settings and sqlite uses queue.db under the
// storage root.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	if c.Database.Driver == "sqlite" {
		return filepath.Join(c.Storage.Root, "queue.db")
	}
	if c.Database.Name == "" {
		return ""
	}
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Name, c.Database.Host, c.Database.Port, c.Database.SSLMode)
}

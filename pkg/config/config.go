// Package config loads the worker's YAML configuration file and persists
// the worker identity (id, secret) assigned at registration time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TestingTaskTypes is the fixed task-type set used when the CLI is run
// with --test, so integration tests never touch a real config file's
// task_types value.
const TestingTaskTypes = "test-blender-render"

// PreTaskCheck holds the read/write sanity-check targets. Keys are the
// config-file key suffix after "read." or "write." (e.g. "render_output");
// values are filesystem paths.
type PreTaskCheck struct {
	Read  map[string]string `yaml:"read"`
	Write map[string]string `yaml:"write"`
}

// Config is the full set of recognized configuration keys from spec.md §6.
type Config struct {
	ManagerURL      string `yaml:"manager_url"`
	TaskTypes       string `yaml:"task_types"`
	TaskUpdateQueueDB string `yaml:"task_update_queue_db"`
	SubprocessPIDFile string `yaml:"subprocess_pid_file"`

	MayIRunIntervalSeconds int `yaml:"may_i_run_interval_seconds"`

	WorkerID                 string `yaml:"worker_id"`
	WorkerSecret              string `yaml:"worker_secret"`
	WorkerRegistrationSecret  string `yaml:"worker_registration_secret"`

	PushLogMaxIntervalSeconds int `yaml:"push_log_max_interval_seconds"`
	PushLogMaxEntries         int `yaml:"push_log_max_entries"`
	PushActMaxIntervalSeconds int `yaml:"push_act_max_interval_seconds"`

	PreTaskCheck PreTaskCheck `yaml:"pre_task_check"`

	// path is the file this Config was loaded from; used by MergeIdentity.
	path string `yaml:"-"`
}

// defaults mirrors original_source's DEFAULT_CONFIG.
func defaults() Config {
	return Config{
		TaskTypes:                 "unknown sleep blender-render",
		TaskUpdateQueueDB:         "flamenco-worker-queue.db",
		SubprocessPIDFile:         "flamenco-worker.pid",
		MayIRunIntervalSeconds:    5,
		PushLogMaxIntervalSeconds: 5,
		PushLogMaxEntries:         10,
		PushActMaxIntervalSeconds: 1,
	}
}

// Load reads and parses the YAML config file at path, exiting the caller's
// responsibility to handle a missing file (spec.md mandates exit code 47,
// left to cmd/flamenco-worker which knows about process exit codes).
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.path = path
	return &cfg, nil
}

// TaskTypeList splits the space-separated TaskTypes value.
func (c *Config) TaskTypeList() []string {
	return strings.Fields(c.TaskTypes)
}

// MayIRunInterval returns the configured poll interval as a Duration.
func (c *Config) MayIRunInterval() time.Duration {
	return time.Duration(c.MayIRunIntervalSeconds) * time.Second
}

// PushLogMaxInterval returns the configured log-push interval as a Duration.
func (c *Config) PushLogMaxInterval() time.Duration {
	return time.Duration(c.PushLogMaxIntervalSeconds) * time.Second
}

// PushActMaxInterval returns the configured activity-push interval as a Duration.
func (c *Config) PushActMaxInterval() time.Duration {
	return time.Duration(c.PushActMaxIntervalSeconds) * time.Second
}

// EraseIdentity clears worker_id and worker_secret in memory; callers must
// call MergeIdentity to persist the change (used by --reregister).
func (c *Config) EraseIdentity() {
	c.WorkerID = ""
	c.WorkerSecret = ""
}

// MergeIdentity persists workerID and workerSecret into the config file by
// reading the current on-disk contents, overwriting just those two keys,
// and atomically replacing the file via a temp-file-then-rename, so a
// crash mid-write never leaves a half-written config behind.
func MergeIdentity(path, workerID, workerSecret string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	doc["worker_id"] = workerID
	doc["worker_secret"] = workerSecret

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".flamenco-worker-config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config %s: %w", path, err)
	}
	return nil
}

// Redacted returns a copy of c with WorkerSecret and
// WorkerRegistrationSecret replaced by a fixed placeholder, for logging the
// effective configuration at startup under --verbose.
func (c Config) Redacted() Config {
	if c.WorkerSecret != "" {
		c.WorkerSecret = "-hidden-"
	}
	if c.WorkerRegistrationSecret != "" {
		c.WorkerRegistrationSecret = "-hidden-"
	}
	return c
}

// Package config loads the tunable parameters listed in the
// configuration table (worker pool sizing, sampler deadlines, bus and
// session buffering, snapshot regeneration, heartbeat/idle timeouts),
// mirroring the teacher's LoadTuningConfig: a JSON file with .json
// extension and a max size, unmarshaled into a struct of pointer fields
// so a partial file only overrides what it sets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// maxFileSize caps the config file the same way the teacher's tuning
// loader caps config/tuning.defaults.json.
const maxFileSize = 1 * 1024 * 1024

// Config is the root configuration object. Every field is a pointer so
// that a partial JSON file only overrides the keys it sets; the Get*
// accessors supply the defaults named in the configuration table.
type Config struct {
	WorkerCount          *int   `json:"worker_count,omitempty"`
	MaxAttempts          *int   `json:"max_attempts,omitempty"`
	SamplerDeadlineMs    *int   `json:"sampler_deadline_ms,omitempty"`
	Levels               *int   `json:"levels,omitempty"`
	GridY                *int   `json:"grid_y,omitempty"`
	GridX                *int   `json:"grid_x,omitempty"`
	BusCapacity          *int   `json:"bus_capacity,omitempty"`
	SessionBuffer        *int   `json:"session_buffer,omitempty"`
	SlowSessionTimeoutMs *int   `json:"slow_session_timeout_ms,omitempty"`
	SnapshotRegenDelta   *int   `json:"snapshot_regen_delta,omitempty"`
	HeartbeatIntervalMs  *int   `json:"heartbeat_interval_ms,omitempty"`
	SessionIdleTimeoutMs *int   `json:"session_idle_timeout_ms,omitempty"`
	CacheRoot            *string `json:"cache_root,omitempty"`
	SamplerEndpoint      *string `json:"sampler_endpoint,omitempty"`
}

// Default returns a Config with every field left nil; the Get* accessors
// fill in the defaults named in the spec's configuration table.
func Default() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Fields omitted from the file
// keep their defaults (via Get*); fields present override them.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config: file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config: stat: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config: file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values before they reach the rest of the
// service (spec §7: InvalidConfig is rejected before a task is created).
func (c *Config) Validate() error {
	if c.WorkerCount != nil && *c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", *c.WorkerCount)
	}
	if c.MaxAttempts != nil && *c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", *c.MaxAttempts)
	}
	if c.SamplerDeadlineMs != nil && *c.SamplerDeadlineMs <= 0 {
		return fmt.Errorf("sampler_deadline_ms must be positive, got %d", *c.SamplerDeadlineMs)
	}
	if c.Levels != nil && *c.Levels <= 0 {
		return fmt.Errorf("levels must be positive, got %d", *c.Levels)
	}
	if c.GridY != nil && *c.GridY <= 0 {
		return fmt.Errorf("grid_y must be positive, got %d", *c.GridY)
	}
	if c.GridX != nil && *c.GridX <= 0 {
		return fmt.Errorf("grid_x must be positive, got %d", *c.GridX)
	}
	if c.BusCapacity != nil && *c.BusCapacity <= 0 {
		return fmt.Errorf("bus_capacity must be positive, got %d", *c.BusCapacity)
	}
	if c.SessionBuffer != nil && *c.SessionBuffer <= 0 {
		return fmt.Errorf("session_buffer must be positive, got %d", *c.SessionBuffer)
	}
	return nil
}

func (c *Config) GetWorkerCount() int {
	if c.WorkerCount == nil {
		return 8
	}
	return *c.WorkerCount
}

func (c *Config) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 3
	}
	return *c.MaxAttempts
}

func (c *Config) GetSamplerDeadlineMs() int {
	if c.SamplerDeadlineMs == nil {
		return 10000
	}
	return *c.SamplerDeadlineMs
}

func (c *Config) GetLevels() int {
	if c.Levels == nil {
		return 4
	}
	return *c.Levels
}

func (c *Config) GetGridY() int {
	if c.GridY == nil {
		return 4
	}
	return *c.GridY
}

func (c *Config) GetGridX() int {
	if c.GridX == nil {
		return 4
	}
	return *c.GridX
}

func (c *Config) GetBusCapacity() int {
	if c.BusCapacity == nil {
		return 1024
	}
	return *c.BusCapacity
}

func (c *Config) GetSessionBuffer() int {
	if c.SessionBuffer == nil {
		return 256
	}
	return *c.SessionBuffer
}

func (c *Config) GetSlowSessionTimeoutMs() int {
	if c.SlowSessionTimeoutMs == nil {
		return 5000
	}
	return *c.SlowSessionTimeoutMs
}

// GetSnapshotRegenDelta returns the number of newly-cached subtiles that
// should trigger a snapshot rebuild at a level. 0 ("auto") means the
// Controller picks a delta proportional to that level's subtile count.
func (c *Config) GetSnapshotRegenDelta() int {
	if c.SnapshotRegenDelta == nil {
		return 0
	}
	return *c.SnapshotRegenDelta
}

func (c *Config) GetHeartbeatIntervalMs() int {
	if c.HeartbeatIntervalMs == nil {
		return 30000
	}
	return *c.HeartbeatIntervalMs
}

func (c *Config) GetSessionIdleTimeoutMs() int {
	if c.SessionIdleTimeoutMs == nil {
		return 120000
	}
	return *c.SessionIdleTimeoutMs
}

func (c *Config) GetCacheRoot() string {
	if c.CacheRoot == nil {
		return "data/terrascan"
	}
	return *c.CacheRoot
}

func (c *Config) GetSamplerEndpoint() string {
	if c.SamplerEndpoint == nil {
		return ""
	}
	return *c.SamplerEndpoint
}

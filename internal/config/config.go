// Package config defines the block cache's YAML-backed configuration: the
// option table from spec.md §6, plus the ambient global/monitoring settings
// every deployment needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete block cache configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Disks      []DiskConfig     `yaml:"disks"`
	Upload     UploadConfig     `yaml:"upload"`
	Health     HealthConfig     `yaml:"health"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DiskConfig is one entry of spec.md §6's `disks: [root_path]` table, plus
// the per-disk capacity and sweep knobs. One DiskCache is created per entry.
type DiskConfig struct {
	RootDir string `yaml:"root_dir"`

	// DiskCapacityBytes is the per-disk budget, split by StageCapRatio
	// into stage_cap and (1-StageCapRatio) into cache_cap.
	DiskCapacityBytes int64   `yaml:"disk_capacity_bytes"`
	StageCapRatio     float64 `yaml:"stage_cap_ratio"`

	CacheExpireSecs  int64   `yaml:"cache_expire_secs"`
	SweepHighWater   float64 `yaml:"sweep_high_water"`
	SweepLowWater    float64 `yaml:"sweep_low_water"`
	SweepIntervalMs  int64   `yaml:"sweep_interval_ms"`

	DropPageCache bool `yaml:"drop_page_cache"`
}

// StageCapBytes returns the disk's stage-tree budget.
func (d DiskConfig) StageCapBytes() int64 {
	return int64(float64(d.DiskCapacityBytes) * d.StageCapRatio)
}

// CacheCapBytes returns the disk's cache-tree budget.
func (d DiskConfig) CacheCapBytes() int64 {
	return int64(float64(d.DiskCapacityBytes) * (1 - d.StageCapRatio))
}

// UploadConfig configures the uploader pipeline (shared across disks).
type UploadConfig struct {
	UploadWorkers   int `yaml:"upload_workers"`
	UploadQueueCap  int `yaml:"upload_queue_cap"`
}

// HealthConfig configures the per-disk health state machine and prober.
type HealthConfig struct {
	ProbeIntervalMs    int64   `yaml:"probe_interval_ms"`
	ErrRateThreshold   float64 `yaml:"err_rate_threshold"`
	ProbeFailThreshold int     `yaml:"probe_fail_threshold"`
	ProbeOkThreshold   int     `yaml:"probe_ok_threshold"`
	RecoverWindowSecs  int64   `yaml:"recover_window_secs"`
	SampleWindowSecs   int64   `yaml:"sample_window_secs"`
}

// ObjectStoreConfig configures the remote object-store adapter.
type ObjectStoreConfig struct {
	StorePrefix     string `yaml:"store_prefix"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccelerationMinBytes int64 `yaml:"acceleration_min_bytes"`
}

// MonitoringConfig mirrors the teacher's monitoring block, trimmed to what
// this module actually exposes: a Prometheus metrics endpoint.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewDefault returns a configuration with a single default disk and sensible
// defaults for every other knob in spec.md §6's option table.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Disks: []DiskConfig{
			{
				RootDir:           "/var/lib/dingofs/blockcache",
				DiskCapacityBytes: 10 << 30, // 10GiB
				StageCapRatio:     0.5,
				CacheExpireSecs:   int64((24 * time.Hour).Seconds()),
				SweepHighWater:    0.95,
				SweepLowWater:     0.90,
				SweepIntervalMs:   30000,
				DropPageCache:     true,
			},
		},
		Upload: UploadConfig{
			UploadWorkers:  4,
			UploadQueueCap: 256,
		},
		Health: HealthConfig{
			ProbeIntervalMs:    5000,
			ErrRateThreshold:   0.1,
			ProbeFailThreshold: 3,
			ProbeOkThreshold:   3,
			RecoverWindowSecs:  30,
			SampleWindowSecs:   60,
		},
		ObjectStore: ObjectStoreConfig{
			StorePrefix:          "blockcache",
			AccelerationMinBytes: 8 << 20, // 8MiB
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Addr:    ":9090",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variable overrides onto c.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DINGOFS_BLOCKCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DINGOFS_BLOCKCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("DINGOFS_BLOCKCACHE_UPLOAD_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Upload.UploadWorkers = n
		}
	}
	if val := os.Getenv("DINGOFS_BLOCKCACHE_UPLOAD_QUEUE_CAP"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Upload.UploadQueueCap = n
		}
	}
	if val := os.Getenv("DINGOFS_BLOCKCACHE_STORE_PREFIX"); val != "" {
		c.ObjectStore.StorePrefix = val
	}
	if val := os.Getenv("DINGOFS_BLOCKCACHE_DROP_PAGE_CACHE"); val != "" {
		drop := strings.ToLower(val) == "true"
		for i := range c.Disks {
			c.Disks[i].DropPageCache = drop
		}
	}
	return nil
}

// SaveToFile writes c as YAML to filename, creating parent directories.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime errors deep in the cache.
func (c *Configuration) Validate() error {
	if len(c.Disks) == 0 {
		return fmt.Errorf("at least one disk must be configured")
	}
	seen := make(map[string]bool, len(c.Disks))
	for _, d := range c.Disks {
		if d.RootDir == "" {
			return fmt.Errorf("disk root_dir must not be empty")
		}
		if seen[d.RootDir] {
			return fmt.Errorf("duplicate disk root_dir: %s", d.RootDir)
		}
		seen[d.RootDir] = true
		if d.DiskCapacityBytes <= 0 {
			return fmt.Errorf("disk %s: disk_capacity_bytes must be greater than 0", d.RootDir)
		}
		if d.StageCapRatio <= 0 || d.StageCapRatio >= 1 {
			return fmt.Errorf("disk %s: stage_cap_ratio must be in (0, 1)", d.RootDir)
		}
		if d.SweepLowWater <= 0 || d.SweepHighWater <= d.SweepLowWater || d.SweepHighWater > 1 {
			return fmt.Errorf("disk %s: sweep_low_water must be < sweep_high_water <= 1", d.RootDir)
		}
	}

	if c.Upload.UploadWorkers <= 0 {
		return fmt.Errorf("upload.upload_workers must be greater than 0")
	}
	if c.Upload.UploadQueueCap <= 0 {
		return fmt.Errorf("upload.upload_queue_cap must be greater than 0")
	}

	if c.Health.ProbeFailThreshold <= 0 || c.Health.ProbeOkThreshold <= 0 {
		return fmt.Errorf("health.probe_fail_threshold and probe_ok_threshold must be greater than 0")
	}
	if c.Health.ErrRateThreshold <= 0 || c.Health.ErrRateThreshold > 1 {
		return fmt.Errorf("health.err_rate_threshold must be in (0, 1]")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tunable parameters of the sync engine and cache,
// loaded from <data-dir>/config.toml. Interval fields are in seconds.
type Config struct {
	// Cache.
	CacheCeilingBytes   int64 `toml:"cache_ceiling_bytes"`
	RetentionDays       int   `toml:"retention_days"`
	RecencyHours        int   `toml:"recency_hours"`
	EvictionIntervalHrs int   `toml:"eviction_interval_hours"`

	// Sync.
	Workers                int `toml:"workers"`
	ForegroundIntervalSecs int `toml:"foreground_interval_secs"`
	BackgroundIntervalSecs int `toml:"background_interval_secs"`
	BodyStalenessSecs      int `toml:"body_staleness_secs"`
	JobDeadlineSecs        int `toml:"job_deadline_secs"`
	PageSize               int `toml:"page_size"`

	// Connectivity.
	FailureWindowSecs int `toml:"failure_window_secs"`
	DegradedDelaySecs int `toml:"degraded_delay_secs"`

	// Upload.
	ChunkSizeBytes      int64 `toml:"chunk_size_bytes"`
	ChunkThresholdBytes int64 `toml:"chunk_threshold_bytes"`
	MaxAttempts         int   `toml:"max_attempts"`

	Accounts []AccountConfig `toml:"accounts"`
}

// AccountConfig declares one mail account to sync. Credentials live in the
// system keyring, never in the file.
type AccountConfig struct {
	ID          string `toml:"id"`
	Email       string `toml:"email"`
	DisplayName string `toml:"display_name"`
	IMAPAddr    string `toml:"imap_addr"`
	SMTPAddr    string `toml:"smtp_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		CacheCeilingBytes:      512 << 20,
		RetentionDays:          90,
		RecencyHours:           24,
		EvictionIntervalHrs:    24,
		Workers:                4,
		ForegroundIntervalSecs: 60,
		BackgroundIntervalSecs: 900,
		BodyStalenessSecs:      300,
		JobDeadlineSecs:        120,
		PageSize:               50,
		FailureWindowSecs:      60,
		DegradedDelaySecs:      10,
		ChunkSizeBytes:         4 << 20,
		ChunkThresholdBytes:    8 << 20,
		MaxAttempts:            8,
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file yields the default config without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	var file Config
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, err
	}
	merge(cfg, &file)
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// merge copies non-zero fields from file over dst.
func merge(dst, file *Config) {
	if file.CacheCeilingBytes > 0 {
		dst.CacheCeilingBytes = file.CacheCeilingBytes
	}
	if file.RetentionDays > 0 {
		dst.RetentionDays = file.RetentionDays
	}
	if file.RecencyHours > 0 {
		dst.RecencyHours = file.RecencyHours
	}
	if file.EvictionIntervalHrs > 0 {
		dst.EvictionIntervalHrs = file.EvictionIntervalHrs
	}
	if file.Workers > 0 {
		dst.Workers = file.Workers
	}
	if file.ForegroundIntervalSecs > 0 {
		dst.ForegroundIntervalSecs = file.ForegroundIntervalSecs
	}
	if file.BackgroundIntervalSecs > 0 {
		dst.BackgroundIntervalSecs = file.BackgroundIntervalSecs
	}
	if file.BodyStalenessSecs > 0 {
		dst.BodyStalenessSecs = file.BodyStalenessSecs
	}
	if file.JobDeadlineSecs > 0 {
		dst.JobDeadlineSecs = file.JobDeadlineSecs
	}
	if file.PageSize > 0 {
		dst.PageSize = file.PageSize
	}
	if file.FailureWindowSecs > 0 {
		dst.FailureWindowSecs = file.FailureWindowSecs
	}
	if file.DegradedDelaySecs > 0 {
		dst.DegradedDelaySecs = file.DegradedDelaySecs
	}
	if file.ChunkSizeBytes > 0 {
		dst.ChunkSizeBytes = file.ChunkSizeBytes
	}
	if file.ChunkThresholdBytes > 0 {
		dst.ChunkThresholdBytes = file.ChunkThresholdBytes
	}
	if file.MaxAttempts > 0 {
		dst.MaxAttempts = file.MaxAttempts
	}
	if len(file.Accounts) > 0 {
		dst.Accounts = file.Accounts
	}
}

// Retention returns the eviction age threshold as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Recency returns the eviction access-recency threshold as a duration.
func (c *Config) Recency() time.Duration {
	return time.Duration(c.RecencyHours) * time.Hour
}

// EvictionInterval returns the periodic eviction interval as a duration.
func (c *Config) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalHrs) * time.Hour
}

// ForegroundInterval returns the foreground delta-sync cadence.
func (c *Config) ForegroundInterval() time.Duration {
	return time.Duration(c.ForegroundIntervalSecs) * time.Second
}

// BackgroundInterval returns the background delta-sync cadence.
func (c *Config) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalSecs) * time.Second
}

// BodyStaleness returns the on-demand body refetch threshold.
func (c *Config) BodyStaleness() time.Duration {
	return time.Duration(c.BodyStalenessSecs) * time.Second
}

// JobDeadline returns the per-job network deadline.
func (c *Config) JobDeadline() time.Duration {
	return time.Duration(c.JobDeadlineSecs) * time.Second
}

// FailureWindow returns the connectivity failure sliding window.
func (c *Config) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSecs) * time.Second
}

// DegradedDelay returns the post-failure delay applied while degraded.
func (c *Config) DegradedDelay() time.Duration {
	return time.Duration(c.DegradedDelaySecs) * time.Second
}

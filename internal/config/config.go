// Package config handles configuration loading for the image analytics server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Cache      CacheConfig      `yaml:"cache"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig locates uploaded images and the metadata database.
type StorageConfig struct {
	MediaDir    string `yaml:"media_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// ProcessingConfig tunes the statistics and reduction engines.
type ProcessingConfig struct {
	ChunkElements     int    `yaml:"chunk_elements"`
	Workers           int    `yaml:"workers"`
	Decomposer        string `yaml:"decomposer"`         // svd | eigen
	DefaultComponents int    `yaml:"default_components"` // n_components when the request omits it
	OutputCompression string `yaml:"output_compression"` // none | deflate | zstd
	MaxSyncMB         int    `yaml:"max_sync_mb"`        // larger images must use analysis jobs
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	SummaryEntries   int `yaml:"summary_entries"`
}

// JobsConfig controls the analysis job queue.
type JobsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	RetentionDays int `yaml:"retention_days"`
	QueueSize     int `yaml:"queue_size"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			MediaDir:    "./data/media",
			SQLitePath:  "./data/images.sqlite",
			MaxUploadMB: 2048,
		},
		Processing: ProcessingConfig{
			ChunkElements:     1 << 20,
			Workers:           1,
			Decomposer:        "svd",
			DefaultComponents: 2,
			OutputCompression: "none",
			MaxSyncMB:         256,
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 10,
			SummaryEntries:   1024,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			RetentionDays: 7,
			QueueSize:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}

	if cfg.Storage.MediaDir == "" {
		cfg.Storage.MediaDir = defaults.Storage.MediaDir
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.MediaDir, "..", filepath.Base(defaults.Storage.SQLitePath))
	}
	if cfg.Storage.MaxUploadMB == 0 {
		cfg.Storage.MaxUploadMB = defaults.Storage.MaxUploadMB
	}

	if cfg.Processing.ChunkElements == 0 {
		cfg.Processing.ChunkElements = defaults.Processing.ChunkElements
	}
	if cfg.Processing.Workers == 0 {
		cfg.Processing.Workers = defaults.Processing.Workers
	}
	if cfg.Processing.Decomposer == "" {
		cfg.Processing.Decomposer = defaults.Processing.Decomposer
	}
	if cfg.Processing.DefaultComponents == 0 {
		cfg.Processing.DefaultComponents = defaults.Processing.DefaultComponents
	}
	if cfg.Processing.OutputCompression == "" {
		cfg.Processing.OutputCompression = defaults.Processing.OutputCompression
	}
	if cfg.Processing.MaxSyncMB == 0 {
		cfg.Processing.MaxSyncMB = defaults.Processing.MaxSyncMB
	}

	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.SummaryEntries == 0 {
		cfg.Cache.SummaryEntries = defaults.Cache.SummaryEntries
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Processing.Decomposer) {
	case "svd", "eigen", "covariance":
	default:
		return fmt.Errorf("processing.decomposer: unknown value %q", c.Processing.Decomposer)
	}
	switch strings.ToLower(c.Processing.OutputCompression) {
	case "none", "deflate", "adobe_deflate", "zstd":
	default:
		return fmt.Errorf("processing.output_compression: unsupported value %q", c.Processing.OutputCompression)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unknown value %q", c.Log.Format)
	}
	if c.Processing.DefaultComponents < 1 {
		return fmt.Errorf("processing.default_components must be positive")
	}
	if c.Processing.ChunkElements < 1 {
		return fmt.Errorf("processing.chunk_elements must be positive")
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Storage.MaxUploadMB) << 20
}

// MaxSyncBytes returns the largest image analyzed inside a request.
func (c *Config) MaxSyncBytes() int64 {
	return int64(c.Processing.MaxSyncMB) << 20
}

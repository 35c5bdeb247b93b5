// Package config handles loading and parsing of BlobCourier configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for BlobCourier.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Transfer TransferConfig `yaml:"transfer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log format: text, json.
	Format string `yaml:"format"`
}

// AuthConfig holds credential acquisition settings.
type AuthConfig struct {
	// CredentialsFile is the path to a service-account JSON key. When empty
	// or unreadable on GCE, the instance metadata token endpoint is used.
	CredentialsFile string `yaml:"credentials_file"`
}

// StorageConfig holds bucket naming and reconciliation settings.
type StorageConfig struct {
	// Bucket is the base bucket name the naming template expands against.
	Bucket string `yaml:"bucket"`
	// BucketNameFormat is the bucket name template. Placeholders:
	// {container}, {delimiter}, {base}.
	BucketNameFormat string `yaml:"bucket_name_format"`
	// BucketLabels are merged into every resolved bucket's labels.
	BucketLabels map[string]string `yaml:"bucket_labels"`
	// UniformBucketLevelAccess is the desired uniform-access policy flag.
	UniformBucketLevelAccess bool `yaml:"uniform_bucket_level_access"`
	// Project is the project buckets are created under.
	Project string `yaml:"project"`
	// Location is the bucket location for creation, if any.
	Location string `yaml:"location"`
	// BucketOverride pins all containers to one explicit bucket. The
	// override must be reachable; there is no fallback to the template.
	BucketOverride string `yaml:"bucket_override"`
	// BucketCacheTTL bounds how long resolved bucket names stay cached, in
	// seconds. Zero means the remainder of the process lifetime.
	BucketCacheTTL int `yaml:"bucket_cache_ttl"`
}

// TransferConfig holds chunking settings for uploads and downloads.
type TransferConfig struct {
	// ChunkSize is the upload append chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// ReadChunkSize is the download chunk size in bytes.
	ReadChunkSize int `yaml:"read_chunk_size"`
	// MaxSize is the maximum declared upload size in bytes.
	MaxSize int64 `yaml:"max_size"`
}

// MetricsConfig holds the optional Prometheus listener settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics, e.g. ":9090". Empty disables
	// the listener.
	Addr string `yaml:"addr"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied for unset values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if cfg.Storage.Bucket == "" && cfg.Storage.BucketOverride == "" {
		return nil, fmt.Errorf("config: storage.bucket or storage.bucket_override is required")
	}

	return cfg, nil
}

// Default returns the built-in configuration, used when no config file is
// given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			BucketNameFormat: "{container}{delimiter}{base}",
		},
		Transfer: TransferConfig{
			ChunkSize:     524288,
			ReadChunkSize: 1 << 20,
			MaxSize:       1 << 30,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.BucketNameFormat == "" {
		cfg.Storage.BucketNameFormat = "{container}{delimiter}{base}"
	}
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = 524288
	}
	if cfg.Transfer.ReadChunkSize == 0 {
		cfg.Transfer.ReadChunkSize = 1 << 20
	}
	if cfg.Transfer.MaxSize == 0 {
		cfg.Transfer.MaxSize = 1 << 30
	}
}

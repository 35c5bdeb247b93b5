package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
	if cfg.Storage.BucketNameFormat != "{container}{delimiter}{base}" {
		t.Errorf("Storage.BucketNameFormat = %q", cfg.Storage.BucketNameFormat)
	}
	if cfg.Transfer.ChunkSize != 524288 {
		t.Errorf("Transfer.ChunkSize = %d, want 524288", cfg.Transfer.ChunkSize)
	}
	if cfg.Transfer.ReadChunkSize != 1<<20 {
		t.Errorf("Transfer.ReadChunkSize = %d, want %d", cfg.Transfer.ReadChunkSize, 1<<20)
	}
	if cfg.Transfer.MaxSize != 1<<30 {
		t.Errorf("Transfer.MaxSize = %d, want %d", cfg.Transfer.MaxSize, int64(1<<30))
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
auth:
  credentials_file: /etc/blobcourier/key.json
storage:
  bucket: blobs.example.com
  project: my-project
  location: EU
  uniform_bucket_level_access: true
  bucket_labels:
    team: data
  bucket_cache_ttl: 900
transfer:
  chunk_size: 262144
  read_chunk_size: 65536
  max_size: 10485760
metrics:
  addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Auth.CredentialsFile != "/etc/blobcourier/key.json" {
		t.Errorf("CredentialsFile = %q", cfg.Auth.CredentialsFile)
	}
	if cfg.Storage.Bucket != "blobs.example.com" {
		t.Errorf("Bucket = %q", cfg.Storage.Bucket)
	}
	if cfg.Storage.Project != "my-project" || cfg.Storage.Location != "EU" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Storage.UniformBucketLevelAccess {
		t.Error("UniformBucketLevelAccess = false, want true")
	}
	if cfg.Storage.BucketLabels["team"] != "data" {
		t.Errorf("BucketLabels = %v", cfg.Storage.BucketLabels)
	}
	if cfg.Storage.BucketCacheTTL != 900 {
		t.Errorf("BucketCacheTTL = %d, want 900", cfg.Storage.BucketCacheTTL)
	}
	if cfg.Transfer.ChunkSize != 262144 {
		t.Errorf("ChunkSize = %d", cfg.Transfer.ChunkSize)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
}

func TestLoadAppliesDefaultsToGaps(t *testing.T) {
	path := writeConfig(t, `
storage:
  bucket: base
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default info", cfg.Logging.Level)
	}
	if cfg.Transfer.ChunkSize != 524288 {
		t.Errorf("ChunkSize = %d, want default", cfg.Transfer.ChunkSize)
	}
}

func TestLoadRequiresBucket(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail without storage.bucket or storage.bucket_override")
	}
}

func TestLoadBucketOverrideAlone(t *testing.T) {
	path := writeConfig(t, `
storage:
  bucket_override: pinned-bucket
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.BucketOverride != "pinned-bucket" {
		t.Errorf("BucketOverride = %q", cfg.Storage.BucketOverride)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "storage: [not: a map")
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail for malformed YAML")
	}
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/example/go-eomosaic/eo/download"
	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/grid"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Download.Concurrency != runtime.NumCPU() {
		t.Fatalf("expected one worker per CPU, got %d", cfg.Download.Concurrency)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "eomosaic.yaml", `
platform:
  base_url: https://platform.test
  timeout: 90s
download:
  concurrency: 8
  tile_format: RAW_SNAPPY
  limits:
    max_bytes: 1048576
  failure_policy: continue
  keep_partial: true
retry:
  max_attempts: 7
  base_delay: 50ms
  max_delay: 2s
  jitter: 0.5
output:
  compression: none
  s3:
    region: eu-central-1
    use_path_style: true
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Platform.BaseURL != "https://platform.test" || time.Duration(cfg.Platform.Timeout) != 90*time.Second {
		t.Fatalf("platform section not loaded: %+v", cfg.Platform)
	}
	if cfg.Download.Concurrency != 8 || cfg.Download.Limits.MaxBytes != 1<<20 {
		t.Fatalf("download section not loaded: %+v", cfg.Download)
	}
	if cfg.Download.Limits.MaxDimension != grid.DefaultMaxDimension {
		t.Fatalf("limits missing from the file should keep their defaults, got %d", cfg.Download.Limits.MaxDimension)
	}
	if p, _ := cfg.FailurePolicy(); p != download.ContinueOnError || cfg.PartialPolicy() != download.KeepPartial {
		t.Fatalf("policies not converted")
	}
	rp := cfg.RetryPolicy()
	if rp.MaxAttempts != 7 || rp.BaseDelay != 50*time.Millisecond || rp.MaxDelay != 2*time.Second || rp.Jitter != 0.5 {
		t.Fatalf("unexpected retry policy %+v", rp)
	}
	if cfg.Compression() != geotiff.None || !cfg.Output.S3.UsePathStyle || cfg.Output.S3.Region != "eu-central-1" {
		t.Fatalf("output section not loaded: %+v", cfg.Output)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "download:\n  concurency: 3\n")
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"duration":    "retry:\n  base_delay: soon\n",
		"concurrency": "download:\n  concurrency: 0\n",
		"policy":      "download:\n  failure_policy: sometimes\n",
		"format":      "download:\n  tile_format: JPEG2000\n",
		"compression": "output:\n  compression: lzw\n",
		"jitter":      "retry:\n  jitter: 2\n",
	}
	for name, content := range cases {
		path := writeFile(t, dir, name+".yaml", content)
		if _, err := Load(path, ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "eomosaic.yaml", "platform:\n  base_url: https://file.test\n")
	envFile := writeFile(t, dir, ".env", "EOMOSAIC_TOKEN=from-dotenv\nEOMOSAIC_CONCURRENCY=3\n")
	t.Setenv("EOMOSAIC_BASE_URL", "https://env.test")
	t.Setenv("EOMOSAIC_KEEP_PARTIAL", "true")
	t.Setenv("AWS_REGION", "ap-southeast-2")
	// godotenv never overrides variables that are already set.
	t.Setenv("EOMOSAIC_TOKEN", "")
	os.Unsetenv("EOMOSAIC_TOKEN")
	t.Setenv("EOMOSAIC_CONCURRENCY", "")
	os.Unsetenv("EOMOSAIC_CONCURRENCY")

	cfg, err := Load(path, envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Platform.BaseURL != "https://env.test" {
		t.Fatalf("environment should override the file, got %q", cfg.Platform.BaseURL)
	}
	if cfg.Platform.Token != "from-dotenv" || cfg.Download.Concurrency != 3 {
		t.Fatalf(".env values not applied: %+v", cfg)
	}
	if cfg.PartialPolicy() != download.KeepPartial || cfg.Output.S3.Region != "ap-southeast-2" {
		t.Fatalf("environment overrides not applied")
	}

	t.Setenv("EOMOSAIC_MAX_ATTEMPTS", "many")
	if _, err := Load("", ""); err == nil {
		t.Fatalf("expected error for a non-numeric override")
	}
}

func TestMissingFiles(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), ""); err == nil {
		t.Fatalf("expected error for a missing config file")
	}
	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("a missing .env file should be ignored: %v", err)
	}
}

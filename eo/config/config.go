// Package config loads eomosaic settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/example/go-eomosaic/eo/codec"
	"github.com/example/go-eomosaic/eo/download"
	"github.com/example/go-eomosaic/eo/fetch"
	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/grid"
	"github.com/example/go-eomosaic/eo/sink"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EOMOSAIC_"

// Duration is a time.Duration written as "300ms", "5m" and so on.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Platform holds the remote endpoint settings.
type Platform struct {
	BaseURL   string   `yaml:"base_url"`
	Token     string   `yaml:"token"`
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`
}

// Retry bounds the attempts made for one tile.
type Retry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	Jitter         float64  `yaml:"jitter"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// Download controls tiling and the worker pool.
type Download struct {
	Concurrency   int         `yaml:"concurrency"`
	TileFormat    string      `yaml:"tile_format"`
	Limits        grid.Limits `yaml:"limits"`
	FailurePolicy string      `yaml:"failure_policy"` // fail-fast or continue
	KeepPartial   bool        `yaml:"keep_partial"`
}

// Output controls how results are written.
type Output struct {
	Compression string        `yaml:"compression"`
	S3          sink.S3Config `yaml:"s3"`
}

// Log selects the handler of the CLI logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration.
type Config struct {
	Platform Platform `yaml:"platform"`
	Download Download `yaml:"download"`
	Retry    Retry    `yaml:"retry"`
	Output   Output   `yaml:"output"`
	Log      Log      `yaml:"log"`

	// Catalogue optionally points at a YAML collection catalogue that is
	// loaded on top of the embedded one.
	Catalogue string `yaml:"catalogue"`
}

// Default returns the built-in settings.
func Default() Config {
	p := fetch.DefaultPolicy()
	return Config{
		Platform: Platform{
			BaseURL: "https://api.eomosaic.io",
			Timeout: Duration(5 * time.Minute),
		},
		Download: Download{
			Concurrency:   runtime.NumCPU(),
			TileFormat:    codec.FormatGeoTIFF,
			Limits:        grid.DefaultLimits(),
			FailurePolicy: "fail-fast",
		},
		Retry: Retry{
			MaxAttempts:    p.MaxAttempts,
			BaseDelay:      Duration(p.BaseDelay),
			MaxDelay:       Duration(p.MaxDelay),
			Jitter:         p.Jitter,
			AttemptTimeout: Duration(5 * time.Minute),
		},
		Output: Output{Compression: "deflate"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. envFile names an optional .env file;
// a missing .env file is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvPrefix+"BASE_URL", &c.Platform.BaseURL)
	str(EnvPrefix+"TOKEN", &c.Platform.Token)
	str(EnvPrefix+"TILE_FORMAT", &c.Download.TileFormat)
	str(EnvPrefix+"FAILURE_POLICY", &c.Download.FailurePolicy)
	str(EnvPrefix+"COMPRESSION", &c.Output.Compression)
	str(EnvPrefix+"LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)
	str(EnvPrefix+"CATALOGUE", &c.Catalogue)
	str("AWS_REGION", &c.Output.S3.Region)
	str("AWS_ENDPOINT_URL_S3", &c.Output.S3.Endpoint)
	str("AWS_ACCESS_KEY_ID", &c.Output.S3.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &c.Output.S3.SecretAccessKey)
	str("AWS_SESSION_TOKEN", &c.Output.S3.SessionToken)

	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sCONCURRENCY: %w", EnvPrefix, err)
		}
		c.Download.Concurrency = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sMAX_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Retry.MaxAttempts = n
	}
	if v, ok := lookup(EnvPrefix + "KEEP_PARTIAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sKEEP_PARTIAL: %w", EnvPrefix, err)
		}
		c.Download.KeepPartial = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return errors.New("config: platform.base_url is required")
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("config: download.concurrency must be positive, got %d", c.Download.Concurrency)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config: retry.jitter must be within [0, 1], got %v", c.Retry.Jitter)
	}
	if _, err := codec.ForFormat(c.Download.TileFormat); err != nil {
		return fmt.Errorf("config: download.tile_format: %w", err)
	}
	if _, err := c.FailurePolicy(); err != nil {
		return err
	}
	if _, err := geotiff.ParseCompression(c.Output.Compression); err != nil {
		return fmt.Errorf("config: output.compression: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// FailurePolicy converts the configured policy name.
func (c Config) FailurePolicy() (download.FailurePolicy, error) {
	switch strings.ToLower(c.Download.FailurePolicy) {
	case "", "fail-fast", "failfast":
		return download.FailFast, nil
	case "continue", "continue-on-error":
		return download.ContinueOnError, nil
	}
	return 0, fmt.Errorf("config: unknown download.failure_policy %q", c.Download.FailurePolicy)
}

// PartialPolicy converts KeepPartial.
func (c Config) PartialPolicy() download.PartialPolicy {
	if c.Download.KeepPartial {
		return download.KeepPartial
	}
	return download.DiscardPartial
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() fetch.Policy {
	return fetch.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelay),
		MaxDelay:    time.Duration(c.Retry.MaxDelay),
		Jitter:      c.Retry.Jitter,
	}
}

// Compression converts the output compression name.
func (c Config) Compression() geotiff.Compression {
	comp, err := geotiff.ParseCompression(c.Output.Compression)
	if err != nil {
		return geotiff.Deflate
	}
	return comp
}

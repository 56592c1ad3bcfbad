package eo

import (
	"context"
	"runtime"
	"time"

	"github.com/example/go-eomosaic/eo/codec"
	"github.com/example/go-eomosaic/eo/download"
	"github.com/example/go-eomosaic/eo/fetch"
	"github.com/example/go-eomosaic/eo/grid"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/sink"
)

type downloadConfig struct {
	concurrency    int
	format         string
	policy         fetch.Policy
	attemptTimeout time.Duration
	limits         grid.Limits
	failure        download.FailurePolicy
	partial        download.PartialPolicy
	progress       download.ProgressFunc
}

// DownloadOption customises how images are rendered and downloaded.
type DownloadOption func(*downloadConfig)

// WithDownloadConcurrency specifies the number of tiles to fetch in parallel.
func WithDownloadConcurrency(n int) DownloadOption {
	return func(cfg *downloadConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithProgress registers a callback to receive tile completion notifications.
func WithProgress(fn download.ProgressFunc) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.progress = fn
	}
}

// WithTileFormat selects the payload format tiles are rendered in.
func WithTileFormat(format string) DownloadOption {
	return func(cfg *downloadConfig) {
		if format != "" {
			cfg.format = format
		}
	}
}

// WithTileRetry sets the per-tile retry policy.
func WithTileRetry(p fetch.Policy) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.policy = p
	}
}

// WithAttemptTimeout bounds one render attempt.
func WithAttemptTimeout(d time.Duration) DownloadOption {
	return func(cfg *downloadConfig) {
		if d > 0 {
			cfg.attemptTimeout = d
		}
	}
}

// WithLimits overrides the per-request limits used to partition grids.
func WithLimits(l grid.Limits) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.limits = l
	}
}

// WithFailurePolicy decides whether a failed tile stops the job.
func WithFailurePolicy(p download.FailurePolicy) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.failure = p
	}
}

// WithPartialPolicy decides whether a failed job keeps what it wrote.
func WithPartialPolicy(p download.PartialPolicy) DownloadOption {
	return func(cfg *downloadConfig) {
		cfg.partial = p
	}
}

func (c *downloadConfig) ensureDefaults() {
	if c.concurrency <= 0 {
		c.concurrency = runtime.NumCPU()
	}
	if c.format == "" {
		c.format = codec.FormatGeoTIFF
	}
	if c.policy.MaxAttempts <= 0 {
		c.policy = fetch.DefaultPolicy()
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = 5 * time.Minute
	}
}

// Mosaicker builds a tile downloader that renders through this client.
func (c *Client) Mosaicker(opts ...DownloadOption) *download.Mosaicker {
	var cfg downloadConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.ensureDefaults()
	f := fetch.New(c,
		fetch.WithFormat(cfg.format),
		fetch.WithPolicy(cfg.policy),
		fetch.WithAttemptTimeout(cfg.attemptTimeout),
		fetch.WithLogger(c.logger),
	)
	return download.New(f, download.Config{
		Concurrency:   cfg.concurrency,
		Limits:        cfg.limits,
		FailurePolicy: cfg.failure,
		PartialPolicy: cfg.partial,
		Progress:      cfg.progress,
		Logger:        c.logger,
	})
}

// Download renders img over spec into dst.
func (c *Client) Download(ctx context.Context, img model.Image, spec raster.Spec, dst sink.Sink, opts ...DownloadOption) (*download.Job, error) {
	if c == nil {
		return nil, ErrNilClient
	}
	return c.Mosaicker(opts...).Download(ctx, img, spec, dst)
}

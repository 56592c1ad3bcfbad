// Package fetch requests single tiles from the platform, retrying transient
// failures with jittered exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/go-eomosaic/eo/errs"
	internalhttp "github.com/example/go-eomosaic/eo/internal/http"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Renderer renders one tile of an image in the requested payload format.
type Renderer interface {
	RenderTile(ctx context.Context, img model.Image, tile raster.Tile, format string) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, img model.Image, tile raster.Tile, format string) ([]byte, error)

// RenderTile calls f.
func (f RendererFunc) RenderTile(ctx context.Context, img model.Image, tile raster.Tile, format string) ([]byte, error) {
	return f(ctx, img, tile, format)
}

// Policy bounds retries of one tile.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay that is randomised, in [0,1].
	Jitter float64
}

// DefaultPolicy allows five attempts starting at 300ms with full jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 300 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 1}
}

// Payload is a fetched tile body and the number of attempts it took.
type Payload struct {
	Data     []byte
	Attempts int
}

// Fetcher retrieves tiles through a Renderer.
type Fetcher struct {
	renderer       Renderer
	policy         Policy
	format         string
	attemptTimeout time.Duration
	logger         *slog.Logger
	onAttempt      AttemptFunc
	sleep          func(context.Context, time.Duration) error
	rand           func() float64
}

// AttemptFunc observes every finished attempt; err is nil on success.
type AttemptFunc func(tile raster.Tile, attempt int, err error)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(f *Fetcher) {
		if p.MaxAttempts > 0 {
			f.policy = p
		}
	}
}

// WithFormat sets the payload format requested from the platform.
func WithFormat(format string) Option {
	return func(f *Fetcher) {
		if format != "" {
			f.format = format
		}
	}
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.attemptTimeout = d
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithOnAttempt registers an observer called after each attempt.
func WithOnAttempt(fn AttemptFunc) Option {
	return func(f *Fetcher) {
		f.onAttempt = fn
	}
}

// New constructs a Fetcher. The default format is GEO_TIFF.
func New(r Renderer, opts ...Option) *Fetcher {
	f := &Fetcher{
		renderer:       r,
		policy:         DefaultPolicy(),
		format:         "GEO_TIFF",
		attemptTimeout: 5 * time.Minute,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:          sleepContext,
		rand:           rand.Float64,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format returns the payload format requested from the renderer.
func (f *Fetcher) Format() string {
	return f.format
}

// Fetch renders one tile. Transient failures are retried up to the policy's
// attempt bound; permanent failures return at once. A cancelled context
// yields an error matching errs.ErrCancelled.
func (f *Fetcher) Fetch(ctx context.Context, img model.Image, tile raster.Tile) (Payload, error) {
	var p Payload
	if f.renderer == nil {
		return p, errors.New("fetch: no renderer configured")
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return p, errs.Cancelled(err)
		}
		p.Attempts = attempt
		data, err := f.attempt(ctx, img, tile)
		if f.onAttempt != nil {
			f.onAttempt(tile, attempt, err)
		}
		if err == nil {
			p.Data = data
			return p, nil
		}
		if ctx.Err() != nil {
			return p, errs.Cancelled(ctx.Err())
		}
		err = internalhttp.Classify("render tile", err)
		if !errs.IsTransient(err) {
			return p, err
		}
		if attempt >= f.policy.MaxAttempts {
			return p, fmt.Errorf("fetch: giving up after %d attempts: %w", attempt, err)
		}
		delay := internalhttp.Backoff(f.policy.BaseDelay, f.policy.MaxDelay, attempt, f.policy.Jitter, f.rand)
		f.logger.Debug("retrying tile",
			slog.String("image", img.ID),
			slog.Int("tile", tile.Index),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		if err := f.sleep(ctx, delay); err != nil {
			return p, errs.Cancelled(err)
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, img model.Image, tile raster.Tile) ([]byte, error) {
	if f.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()
	}
	return f.renderer.RenderTile(ctx, img, tile, f.format)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

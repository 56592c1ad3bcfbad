// Package download drives tiled rendering of one image: it partitions the
// output grid, fetches tiles over a bounded pool and stitches them into a sink.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-eomosaic/eo/codec"
	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/fetch"
	"github.com/example/go-eomosaic/eo/grid"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/sink"
)

// Metadata keys written by the Mosaicker.
const (
	MetaJobID      = "JOB_ID"
	MetaImageID    = "IMAGE_ID"
	MetaCollection = "COLLECTION"
	MetaAcquired   = "ACQUIRED"
)

// TileFetcher retrieves the encoded payload of one tile.
type TileFetcher interface {
	Fetch(ctx context.Context, img model.Image, tile raster.Tile) (fetch.Payload, error)
}

// FailurePolicy decides what happens to outstanding tiles after a failure.
type FailurePolicy int

const (
	// FailFast cancels outstanding tiles on the first failed tile.
	FailFast FailurePolicy = iota
	// ContinueOnError fetches every tile so the report lists all failures.
	ContinueOnError
)

// PartialPolicy decides what happens to pixels written by a failed job.
type PartialPolicy int

const (
	// DiscardPartial aborts the sink.
	DiscardPartial PartialPolicy = iota
	// KeepPartial commits the sink flagged as incomplete when it supports it.
	KeepPartial
)

// Progress is reported each time a tile is written.
type Progress struct {
	JobID string
	Tile  int
	Done  int
	Total int
}

// ProgressFunc receives tile completion notifications.
type ProgressFunc func(Progress)

// Config controls how downloads are executed.
type Config struct {
	Concurrency   int
	Limits        grid.Limits
	Decoder       codec.Decoder
	FailurePolicy FailurePolicy
	PartialPolicy PartialPolicy
	Progress      ProgressFunc
	Logger        *slog.Logger
}

// Mosaicker downloads images tile by tile.
type Mosaicker struct {
	fetcher TileFetcher
	cfg     Config
}

// New constructs a Mosaicker. When no decoder is configured the one matching
// the fetcher's payload format is used.
func New(f TileFetcher, cfg Config) *Mosaicker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = codec.GeoTIFF{}
		if ff, ok := f.(interface{ Format() string }); ok {
			if dec, err := codec.ForFormat(ff.Format()); err == nil {
				cfg.Decoder = dec
			}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mosaicker{fetcher: f, cfg: cfg}
}

// Download renders img over spec into dst. The returned job is non-nil
// whenever partitioning succeeded, including on failure, so that it can be
// passed to Resume. Failures are reported as *errs.DownloadFailure.
func (m *Mosaicker) Download(ctx context.Context, img model.Image, spec raster.Spec, dst sink.Sink) (*Job, error) {
	if m.fetcher == nil {
		return nil, errors.New("download: tile fetcher is required")
	}
	if dst == nil {
		return nil, errors.New("download: sink is required")
	}
	tiles, err := grid.Partition(spec, m.cfg.Limits)
	if err != nil {
		return nil, err
	}
	job := newJob(img, spec, tiles)
	job.Metadata = imageMetadata(job.ID, img)
	if err := dst.Begin(ctx, spec, job.Metadata); err != nil {
		return job, fmt.Errorf("download: begin output: %w", err)
	}
	m.cfg.Logger.Info("download started",
		slog.String("job", job.ID),
		slog.String("image", img.ID),
		slog.Int("tiles", len(tiles)),
		slog.Int("width", spec.Width),
		slog.Int("height", spec.Height))
	return job, m.run(ctx, job, tiles, dst)
}

// Resume re-requests the tiles of job that are not done. dst must be able
// to reload the partial output written by the previous run.
func (m *Mosaicker) Resume(ctx context.Context, img model.Image, job *Job, dst sink.Sink) error {
	if job == nil {
		return errors.New("download: job is required")
	}
	if job.Complete() {
		return errors.New("download: job already complete")
	}
	r, ok := dst.(sink.Resumer)
	if !ok {
		return fmt.Errorf("download: sink %T cannot resume", dst)
	}
	tiles := job.remaining()
	if err := r.Resume(ctx, job.Spec, job.Metadata); err != nil {
		return fmt.Errorf("download: resume output: %w", err)
	}
	m.cfg.Logger.Info("download resumed",
		slog.String("job", job.ID),
		slog.String("image", img.ID),
		slog.Int("tiles", len(tiles)))
	return m.run(ctx, job, tiles, dst)
}

func (m *Mosaicker) run(ctx context.Context, job *Job, tiles []raster.Tile, dst sink.Sink) error {
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	var writeMu sync.Mutex
	for _, tile := range tiles {
		if gctx.Err() != nil {
			break
		}
		t := tile
		g.Go(func() error {
			return m.tile(gctx, job, t, dst, &writeMu)
		})
	}
	g.Wait()

	if job.Complete() {
		loc, err := dst.Commit(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("download: commit output: %w", err)
		}
		job.Location = loc
		m.cfg.Logger.Info("download complete",
			slog.String("job", job.ID),
			slog.String("location", loc),
			slog.Duration("elapsed", time.Since(started)))
		return nil
	}
	return m.fail(ctx, job, dst)
}

func (m *Mosaicker) tile(ctx context.Context, job *Job, tile raster.Tile, dst sink.Sink, writeMu *sync.Mutex) error {
	if ctx.Err() != nil {
		return nil
	}
	job.start(tile.Index)
	err := m.fetchAndWrite(ctx, job, tile, dst, writeMu)
	if err == nil {
		done := job.finish(tile.Index)
		if m.cfg.Progress != nil {
			m.cfg.Progress(Progress{JobID: job.ID, Tile: tile.Index, Done: done, Total: len(job.Tiles)})
		}
		return nil
	}
	if errors.Is(err, errs.ErrCancelled) {
		job.release(tile.Index)
		return nil
	}
	job.fail(tile.Index, err)
	m.cfg.Logger.Warn("tile failed",
		slog.String("job", job.ID),
		slog.Int("tile", tile.Index),
		slog.String("window", tile.Window.String()),
		slog.Any("err", err))
	if m.cfg.FailurePolicy == FailFast {
		return err
	}
	return nil
}

func (m *Mosaicker) fetchAndWrite(ctx context.Context, job *Job, tile raster.Tile, dst sink.Sink, writeMu *sync.Mutex) error {
	p, err := m.fetcher.Fetch(ctx, job.Image, tile)
	job.addAttempts(tile.Index, p.Attempts)
	if err != nil {
		return err
	}
	r, err := m.cfg.Decoder.Decode(p.Data, tile.Spec)
	if err != nil {
		return &errs.PermanentRemoteError{Op: "decode tile", Err: err}
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	return dst.WriteWindow(ctx, tile.Window, r)
}

func (m *Mosaicker) fail(ctx context.Context, job *Job, dst sink.Sink) error {
	done, total := job.Progress()
	failure := &errs.DownloadFailure{
		JobID:      job.ID,
		TilesDone:  done,
		TilesTotal: total,
		Failed:     job.failures(),
		Cancelled:  ctx.Err() != nil,
	}
	// The sink must be finalised even though ctx may be done.
	cleanup := context.WithoutCancel(ctx)
	kept := false
	if m.cfg.PartialPolicy == KeepPartial {
		if pc, ok := dst.(sink.PartialCommitter); ok {
			loc, err := pc.CommitPartial(cleanup, job.missingWindows())
			if err != nil {
				m.cfg.Logger.Error("keep partial output", slog.String("job", job.ID), slog.Any("err", err))
			} else {
				failure.LeftOnDisk = loc
				kept = true
			}
		} else {
			m.cfg.Logger.Warn("sink cannot keep partial output", slog.String("job", job.ID), slog.String("sink", fmt.Sprintf("%T", dst)))
		}
	}
	if !kept {
		if err := dst.Abort(cleanup); err != nil {
			m.cfg.Logger.Error("abort output", slog.String("job", job.ID), slog.Any("err", err))
		}
	}
	m.cfg.Logger.Warn("download failed",
		slog.String("job", job.ID),
		slog.Int("done", done),
		slog.Int("total", total),
		slog.Bool("cancelled", failure.Cancelled))
	return failure
}

// WriteRaster delivers an already materialised raster through dst.
func WriteRaster(ctx context.Context, r *raster.Raster, dst sink.Sink, meta map[string]string) (string, error) {
	if err := dst.Begin(ctx, r.Spec, meta); err != nil {
		return "", fmt.Errorf("download: begin output: %w", err)
	}
	if err := dst.WriteWindow(ctx, r.Spec.Window(), r); err != nil {
		dst.Abort(context.WithoutCancel(ctx))
		return "", fmt.Errorf("download: write output: %w", err)
	}
	loc, err := dst.Commit(ctx)
	if err != nil {
		return "", fmt.Errorf("download: commit output: %w", err)
	}
	return loc, nil
}

// Materialize downloads img over spec into memory.
func (m *Mosaicker) Materialize(ctx context.Context, img model.Image, spec raster.Spec) (*raster.Raster, error) {
	mem := sink.NewMemory()
	if _, err := m.Download(ctx, img, spec, mem); err != nil {
		return nil, err
	}
	return mem.Raster(), nil
}

func imageMetadata(jobID string, img model.Image) map[string]string {
	meta := map[string]string{MetaJobID: jobID}
	if img.ID != "" {
		meta[MetaImageID] = img.ID
	}
	if img.Collection != "" {
		meta[MetaCollection] = img.Collection
	}
	if !img.Acquired.IsZero() {
		meta[MetaAcquired] = img.Acquired.UTC().Format(time.RFC3339)
	}
	return meta
}

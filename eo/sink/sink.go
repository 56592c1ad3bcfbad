// Package sink receives reassembled tiles and delivers the finished raster.
// Every destination accepts the same Begin/WriteWindow/Commit/Abort stream.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/go-eomosaic/eo/raster"
)

// ErrNotStarted is returned when a sink is written before Begin.
var ErrNotStarted = errors.New("sink: Begin has not been called")

// Sink is the destination of a tiled download.
type Sink interface {
	// Begin prepares the destination for a raster with the given grid and metadata.
	Begin(ctx context.Context, spec raster.Spec, meta map[string]string) error
	// WriteWindow stores tile pixels at window w.
	WriteWindow(ctx context.Context, w raster.Window, tile *raster.Raster) error
	// Commit finalises the output and returns its location.
	Commit(ctx context.Context) (string, error)
	// Abort discards everything written so far.
	Abort(ctx context.Context) error
}

// PartialCommitter is implemented by sinks that can keep an incomplete result.
type PartialCommitter interface {
	CommitPartial(ctx context.Context, failed []raster.Window) (string, error)
}

// Resumer is implemented by sinks that can reload a previous partial result.
type Resumer interface {
	Resume(ctx context.Context, spec raster.Spec, meta map[string]string) error
}

// canvas is an in-memory output grid shared by the concrete sinks.
type canvas struct {
	mu   sync.Mutex
	r    *raster.Raster
	meta map[string]string
}

func (c *canvas) begin(spec raster.Spec, meta map[string]string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r = raster.NewFilled(spec)
	c.meta = make(map[string]string, len(meta))
	for k, v := range meta {
		c.meta[k] = v
	}
	return nil
}

func (c *canvas) load(r *raster.Raster, meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r = r
	c.meta = make(map[string]string, len(meta))
	for k, v := range meta {
		c.meta[k] = v
	}
}

func (c *canvas) write(w raster.Window, tile *raster.Raster) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return ErrNotStarted
	}
	if err := c.r.Paste(w, tile); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}

func (c *canvas) take() (*raster.Raster, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil, nil, ErrNotStarted
	}
	r, meta := c.r, c.meta
	c.r, c.meta = nil, nil
	return r, meta, nil
}

func (c *canvas) reset() {
	c.mu.Lock()
	c.r, c.meta = nil, nil
	c.mu.Unlock()
}

// Memory keeps the reassembled raster in process.
type Memory struct {
	canvas
	result *raster.Raster
	meta   map[string]string
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Begin implements Sink.
func (m *Memory) Begin(_ context.Context, spec raster.Spec, meta map[string]string) error {
	m.result, m.meta = nil, nil
	return m.begin(spec, meta)
}

// WriteWindow implements Sink.
func (m *Memory) WriteWindow(_ context.Context, w raster.Window, tile *raster.Raster) error {
	return m.write(w, tile)
}

// Commit implements Sink.
func (m *Memory) Commit(context.Context) (string, error) {
	r, meta, err := m.take()
	if err != nil {
		return "", err
	}
	m.result, m.meta = r, meta
	return "memory", nil
}

// CommitPartial keeps the incomplete raster; unfetched windows hold nodata.
func (m *Memory) CommitPartial(ctx context.Context, _ []raster.Window) (string, error) {
	return m.Commit(ctx)
}

// Resume continues from the raster kept by CommitPartial.
func (m *Memory) Resume(_ context.Context, spec raster.Spec, meta map[string]string) error {
	if m.result == nil {
		return errors.New("sink: no partial raster to resume")
	}
	if !m.result.Spec.SameGrid(spec) {
		return errors.New("sink: partial raster does not match the requested grid")
	}
	m.load(m.result, meta)
	m.result, m.meta = nil, nil
	return nil
}

// Abort implements Sink.
func (m *Memory) Abort(context.Context) error {
	m.reset()
	return nil
}

// Raster returns the committed raster, or nil before Commit.
func (m *Memory) Raster() *raster.Raster {
	return m.result
}

// Metadata returns the committed metadata.
func (m *Memory) Metadata() map[string]string {
	return m.meta
}

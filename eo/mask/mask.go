// Package mask derives per-pixel validity masks from already published
// quality bands and summarises them over a region.
package mask

import (
	"context"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Mask is aligned 1:1 with the pixel grid of the image it was computed for.
type Mask struct {
	Width     int
	Height    int
	Transform raster.Transform
	// Valid marks usable pixels.
	Valid []bool
	// Filled marks pixels inside the image footprint. Nil means every pixel
	// is filled.
	Filled []bool
	// Score is an optional per-pixel quality layer, higher is better.
	Score []float32
}

// New returns an all-valid mask over spec.
func New(spec raster.Spec) *Mask {
	m := &Mask{
		Width:     spec.Width,
		Height:    spec.Height,
		Transform: spec.Transform,
		Valid:     make([]bool, spec.Pixels()),
	}
	for i := range m.Valid {
		m.Valid[i] = true
	}
	return m
}

// IsFilled reports whether pixel i lies inside the footprint.
func (m *Mask) IsFilled(i int) bool {
	return m.Filled == nil || m.Filled[i]
}

// ValidCount returns the number of valid pixels.
func (m *Mask) ValidCount() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// Provider computes the mask of one image from its rendered pixels.
// Implementations must be deterministic.
type Provider interface {
	ComputeMask(ctx context.Context, img model.Image, pixels *raster.Raster) (*Mask, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, img model.Image, pixels *raster.Raster) (*Mask, error)

// ComputeMask calls f.
func (f ProviderFunc) ComputeMask(ctx context.Context, img model.Image, pixels *raster.Raster) (*Mask, error) {
	return f(ctx, img, pixels)
}

// NoOp marks every pixel valid.
type NoOp struct{}

// ComputeMask implements Provider.
func (NoOp) ComputeMask(_ context.Context, _ model.Image, pixels *raster.Raster) (*Mask, error) {
	return New(pixels.Spec), nil
}

// filledAt reports whether any band of pixel p holds data.
func filledAt(pixels *raster.Raster, p int) bool {
	for b := range pixels.Bands {
		if !pixels.IsNoData(b, p) {
			return true
		}
	}
	return false
}

// UsableFraction is the share of pixels whose centres lie inside region that
// are valid. It is 0 when the region covers no pixel centre.
func UsableFraction(m *Mask, region model.Region) float64 {
	if m == nil || len(m.Valid) == 0 {
		return 0
	}
	whole := region.IsZero()
	var inside, valid int
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			if !whole {
				x, y := m.Transform.PixelCenter(col, row)
				if !region.Contains(x, y) {
					continue
				}
			}
			inside++
			if m.Valid[row*m.Width+col] {
				valid++
			}
		}
	}
	if inside == 0 {
		return 0
	}
	return float64(valid) / float64(inside)
}

// ValidScores returns the score of every valid pixel, or nil when the mask
// carries no score layer.
func ValidScores(m *Mask) []float64 {
	if m == nil || m.Score == nil {
		return nil
	}
	var out []float64
	for i, v := range m.Valid {
		if v {
			out = append(out, float64(m.Score[i]))
		}
	}
	return out
}

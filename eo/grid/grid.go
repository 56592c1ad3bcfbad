// Package grid splits an output raster into tiles that each fit under the
// platform's per-request limits.
package grid

import (
	"errors"
	"math"

	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/raster"
)

const (
	// DefaultMaxBytes is the platform's per-request payload limit.
	DefaultMaxBytes int64 = 32 << 20
	// DefaultMaxDimension caps either side of one request.
	DefaultMaxDimension = 10000
	// DefaultMaxPixels caps the pixel count of one request.
	DefaultMaxPixels int64 = 1 << 26
)

// Limits bounds one tile request. Zero fields take the defaults.
type Limits struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	MaxPixels    int64 `yaml:"max_pixels"`
	MaxDimension int   `yaml:"max_dimension"`
}

// DefaultLimits returns the platform limits.
func DefaultLimits() Limits {
	return Limits{MaxBytes: DefaultMaxBytes, MaxPixels: DefaultMaxPixels, MaxDimension: DefaultMaxDimension}
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxPixels <= 0 {
		l.MaxPixels = DefaultMaxPixels
	}
	if l.MaxDimension <= 0 {
		l.MaxDimension = DefaultMaxDimension
	}
	return l
}

// Shape returns the tile width and height Partition would use.
func Shape(spec raster.Spec, limits Limits) (int, int, error) {
	if err := spec.Validate(); err != nil {
		return 0, 0, err
	}
	limits = limits.withDefaults()
	bpp := spec.BytesPerPixel()
	if bpp <= 0 {
		return 0, 0, errors.New("grid: spec has zero bytes per pixel")
	}
	if int64(bpp) > limits.MaxBytes {
		return 0, 0, &errs.SizeInfeasibleError{BytesPerPixel: bpp, MaxBytes: limits.MaxBytes}
	}
	budget := limits.MaxBytes / int64(bpp)
	if limits.MaxPixels < budget {
		budget = limits.MaxPixels
	}
	width, height := spec.Width, spec.Height
	maxDim := limits.MaxDimension

	side := int(math.Sqrt(float64(budget)))
	if side < 1 {
		side = 1
	}
	tw := min(side, width, maxDim)
	th := min(int(budget/int64(tw)), height, maxDim)
	if th < 1 {
		th = 1
	}
	// a short grid leaves budget for wider tiles
	tw = min(int(budget/int64(th)), width, maxDim)

	tw = balance(width, tw)
	th = balance(height, th)
	return tw, th, nil
}

// balance spreads n pixels evenly over the fewest tiles of at most size pixels.
func balance(n, size int) int {
	count := (n + size - 1) / size
	return (n + count - 1) / count
}

// Partition splits spec into row-major tiles. Edge tiles are clipped to the
// grid, never padded, and the result depends only on its inputs.
func Partition(spec raster.Spec, limits Limits) ([]raster.Tile, error) {
	tw, th, err := Shape(spec, limits)
	if err != nil {
		return nil, err
	}
	nx := (spec.Width + tw - 1) / tw
	ny := (spec.Height + th - 1) / th
	tiles := make([]raster.Tile, 0, nx*ny)
	for r := 0; r < ny; r++ {
		for c := 0; c < nx; c++ {
			w := raster.Window{
				Col:    c * tw,
				Row:    r * th,
				Width:  min(tw, spec.Width-c*tw),
				Height: min(th, spec.Height-r*th),
			}
			tiles = append(tiles, raster.Tile{
				Index:  len(tiles),
				Window: w,
				Spec:   spec.Sub(w),
			})
		}
	}
	return tiles, nil
}

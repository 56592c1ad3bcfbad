package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-eomosaic/eo/model"
)

// Window is a pixel rectangle within a grid.
type Window struct {
	Col    int `json:"col"`
	Row    int `json:"row"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pixels returns the number of pixels covered.
func (w Window) Pixels() int {
	return w.Width * w.Height
}

// Empty reports whether the window covers nothing.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Within reports whether w lies inside a width x height grid.
func (w Window) Within(width, height int) bool {
	return w.Col >= 0 && w.Row >= 0 && w.Col+w.Width <= width && w.Row+w.Height <= height
}

func (w Window) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", w.Width, w.Height, w.Col, w.Row)
}

// Transform is a north-up affine geotransform in GDAL coefficient order:
// originX, pixelWidth, rowRotation, originY, colRotation, -pixelHeight.
type Transform [6]float64

// NorthUp builds a transform without rotation.
func NorthUp(originX, originY, scale float64) Transform {
	return Transform{originX, scale, 0, originY, 0, -scale}
}

// Origin is the top-left corner in CRS units.
func (t Transform) Origin() (float64, float64) {
	return t[0], t[3]
}

// Apply maps fractional pixel coordinates into CRS coordinates.
func (t Transform) Apply(col, row float64) (float64, float64) {
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// PixelCenter maps a pixel to the CRS coordinates of its centre.
func (t Transform) PixelCenter(col, row int) (float64, float64) {
	return t.Apply(float64(col)+0.5, float64(row)+0.5)
}

// Translate moves the origin to the given pixel.
func (t Transform) Translate(col, row int) Transform {
	x, y := t.Apply(float64(col), float64(row))
	out := t
	out[0], out[3] = x, y
	return out
}

// BandSpec names one output band.
type BandSpec struct {
	Name        string `json:"name" yaml:"name"`
	DType       DType  `json:"dtype" yaml:"dtype"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Spec fully defines an output grid. It is immutable once bound.
type Spec struct {
	CRS       string     `json:"crs"`
	Scale     float64    `json:"scale"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Transform Transform  `json:"transform"`
	Bands     []BandSpec `json:"bands"`
	NoData    float64    `json:"nodata"`
}

// Bind derives the grid covering region at the given scale. The region must
// already be expressed in crs. The origin snaps to multiples of scale so grids
// bound from overlapping regions share pixel edges.
func Bind(region model.Region, crs string, scale float64, bands []BandSpec, nodata float64) (Spec, error) {
	if region.IsZero() {
		return Spec{}, model.ErrEmptyRegion
	}
	if crs == "" {
		crs = region.CRS
	}
	if !model.SameCRS(region.CRS, crs) {
		return Spec{}, fmt.Errorf("raster: region crs %s does not match requested crs %s", region.CRS, crs)
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return Spec{}, fmt.Errorf("raster: invalid scale %v", scale)
	}
	if len(bands) == 0 {
		return Spec{}, errors.New("raster: at least one band is required")
	}
	b := region.Bound()
	originX := math.Floor(b.Min.X()/scale) * scale
	originY := math.Ceil(b.Max.Y()/scale) * scale
	width := int(math.Ceil((b.Max.X() - originX) / scale))
	height := int(math.Ceil((originY - b.Min.Y()) / scale))
	if width <= 0 || height <= 0 {
		return Spec{}, model.ErrEmptyRegion
	}
	spec := Spec{
		CRS:       region.CRS,
		Scale:     scale,
		Width:     width,
		Height:    height,
		Transform: NorthUp(originX, originY, scale),
		Bands:     append([]BandSpec(nil), bands...),
		NoData:    nodata,
	}
	return spec, spec.Validate()
}

// Validate checks internal consistency.
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("raster: invalid grid size %dx%d", s.Width, s.Height)
	}
	if len(s.Bands) == 0 {
		return errors.New("raster: spec has no bands")
	}
	seen := make(map[string]struct{}, len(s.Bands))
	for _, b := range s.Bands {
		if b.DType.Size() == 0 {
			return fmt.Errorf("raster: band %q has invalid dtype %q", b.Name, b.DType)
		}
		if _, ok := seen[b.Name]; ok {
			return fmt.Errorf("raster: duplicate band %q", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// Pixels is the grid pixel count.
func (s Spec) Pixels() int {
	return s.Width * s.Height
}

// BytesPerPixel sums the sample size of every band.
func (s Spec) BytesPerPixel() int {
	n := 0
	for _, b := range s.Bands {
		n += b.DType.Size()
	}
	return n
}

// Window is the full-grid window.
func (s Spec) Window() Window {
	return Window{Width: s.Width, Height: s.Height}
}

// BandIndex finds a band by name.
func (s Spec) BandIndex(name string) int {
	for i, b := range s.Bands {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// BandNames lists band names in order.
func (s Spec) BandNames() []string {
	names := make([]string, len(s.Bands))
	for i, b := range s.Bands {
		names[i] = b.Name
	}
	return names
}

// Sub restricts the spec to a window, translating the transform.
func (s Spec) Sub(w Window) Spec {
	out := s
	out.Width, out.Height = w.Width, w.Height
	out.Transform = s.Transform.Translate(w.Col, w.Row)
	out.Bands = append([]BandSpec(nil), s.Bands...)
	return out
}

// Select keeps the named bands in the given order.
func (s Spec) Select(names ...string) (Spec, error) {
	out := s
	out.Bands = make([]BandSpec, 0, len(names))
	for _, n := range names {
		i := s.BandIndex(n)
		if i < 0 {
			return Spec{}, fmt.Errorf("raster: band %q not in spec", n)
		}
		out.Bands = append(out.Bands, s.Bands[i])
	}
	return out, nil
}

// SameGrid reports whether two specs describe the same pixel grid and bands.
func (s Spec) SameGrid(o Spec) bool {
	if s.Width != o.Width || s.Height != o.Height || s.Transform != o.Transform || !model.SameCRS(s.CRS, o.CRS) {
		return false
	}
	if len(s.Bands) != len(o.Bands) {
		return false
	}
	for i := range s.Bands {
		if s.Bands[i].Name != o.Bands[i].Name || s.Bands[i].DType != o.Bands[i].DType {
			return false
		}
	}
	return true
}

// Tile is one sub-request of a partitioned grid.
type Tile struct {
	Index  int    `json:"index"`
	Window Window `json:"window"`
	Spec   Spec   `json:"spec"`
}

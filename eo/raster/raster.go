package raster

import (
	"fmt"
)

// Raster holds materialized pixels. Each band is a row-major little-endian
// buffer in that band's dtype.
type Raster struct {
	Spec  Spec
	Bands [][]byte
}

// New allocates a zeroed raster.
func New(spec Spec) *Raster {
	r := &Raster{Spec: spec, Bands: make([][]byte, len(spec.Bands))}
	n := spec.Pixels()
	for i, b := range spec.Bands {
		r.Bands[i] = make([]byte, n*b.DType.Size())
	}
	return r
}

// NewFilled allocates a raster with every sample set to the spec's nodata value.
func NewFilled(spec Spec) *Raster {
	r := New(spec)
	r.Fill(spec.NoData)
	return r
}

// FromBands wraps existing buffers after checking their lengths.
func FromBands(spec Spec, bands [][]byte) (*Raster, error) {
	if len(bands) != len(spec.Bands) {
		return nil, fmt.Errorf("raster: got %d band buffers, spec has %d bands", len(bands), len(spec.Bands))
	}
	n := spec.Pixels()
	for i, b := range spec.Bands {
		if want := n * b.DType.Size(); len(bands[i]) != want {
			return nil, fmt.Errorf("raster: band %q has %d bytes, want %d", b.Name, len(bands[i]), want)
		}
	}
	return &Raster{Spec: spec, Bands: bands}, nil
}

// Fill sets every sample of every band to v.
func (r *Raster) Fill(v float64) {
	for i, b := range r.Spec.Bands {
		size := b.DType.Size()
		buf := r.Bands[i]
		if len(buf) == 0 {
			continue
		}
		b.DType.Put(buf[:size], v)
		for off := size; off < len(buf); off *= 2 {
			copy(buf[off:], buf[:off])
		}
	}
}

// Pixels returns the pixel count.
func (r *Raster) Pixels() int {
	return r.Spec.Pixels()
}

// Sample returns the raw bytes of band b at pixel index i.
func (r *Raster) Sample(b, i int) []byte {
	size := r.Spec.Bands[b].DType.Size()
	return r.Bands[b][i*size : (i+1)*size]
}

// Value decodes band b at pixel index i.
func (r *Raster) Value(b, i int) float64 {
	return r.Spec.Bands[b].DType.Get(r.Sample(b, i))
}

// SetValue encodes v into band b at pixel index i.
func (r *Raster) SetValue(b, i int, v float64) {
	r.Spec.Bands[b].DType.Put(r.Sample(b, i), v)
}

// IsNoData reports whether band b at pixel i equals the nodata value.
func (r *Raster) IsNoData(b, i int) bool {
	return r.Value(b, i) == r.Spec.NoData
}

// Paste copies src into the window w of r row by row. Band layout must match.
func (r *Raster) Paste(w Window, src *Raster) error {
	if src == nil {
		return fmt.Errorf("raster: nil source")
	}
	if !w.Within(r.Spec.Width, r.Spec.Height) || w.Empty() {
		return fmt.Errorf("raster: window %s outside %dx%d grid", w, r.Spec.Width, r.Spec.Height)
	}
	if src.Spec.Width != w.Width || src.Spec.Height != w.Height {
		return fmt.Errorf("raster: source is %dx%d, window is %s", src.Spec.Width, src.Spec.Height, w)
	}
	if len(src.Spec.Bands) != len(r.Spec.Bands) {
		return fmt.Errorf("raster: source has %d bands, destination %d", len(src.Spec.Bands), len(r.Spec.Bands))
	}
	for b, band := range r.Spec.Bands {
		if src.Spec.Bands[b].DType != band.DType {
			return fmt.Errorf("raster: band %q dtype %s, destination %s", band.Name, src.Spec.Bands[b].DType, band.DType)
		}
		size := band.DType.Size()
		rowBytes := w.Width * size
		dst := r.Bands[b]
		from := src.Bands[b]
		for row := 0; row < w.Height; row++ {
			d := ((w.Row+row)*r.Spec.Width + w.Col) * size
			s := row * rowBytes
			copy(dst[d:d+rowBytes], from[s:s+rowBytes])
		}
	}
	return nil
}

// Crop copies the window w into a new raster.
func (r *Raster) Crop(w Window) (*Raster, error) {
	if !w.Within(r.Spec.Width, r.Spec.Height) || w.Empty() {
		return nil, fmt.Errorf("raster: window %s outside %dx%d grid", w, r.Spec.Width, r.Spec.Height)
	}
	out := New(r.Spec.Sub(w))
	for b, band := range r.Spec.Bands {
		size := band.DType.Size()
		rowBytes := w.Width * size
		for row := 0; row < w.Height; row++ {
			s := ((w.Row+row)*r.Spec.Width + w.Col) * size
			copy(out.Bands[b][row*rowBytes:(row+1)*rowBytes], r.Bands[b][s:s+rowBytes])
		}
	}
	return out, nil
}

// Select returns a raster holding only the named bands. Buffers are shared.
func (r *Raster) Select(names ...string) (*Raster, error) {
	spec, err := r.Spec.Select(names...)
	if err != nil {
		return nil, err
	}
	out := &Raster{Spec: spec, Bands: make([][]byte, len(names))}
	for i, n := range names {
		out.Bands[i] = r.Bands[r.Spec.BandIndex(n)]
	}
	return out, nil
}

// Convert returns a copy of r with every band cast to dtype.
func (r *Raster) Convert(dtype DType) *Raster {
	spec := r.Spec
	spec.Bands = make([]BandSpec, len(r.Spec.Bands))
	for i, b := range r.Spec.Bands {
		b.DType = dtype
		spec.Bands[i] = b
	}
	out := New(spec)
	n := r.Pixels()
	for b, band := range r.Spec.Bands {
		if band.DType == dtype {
			copy(out.Bands[b], r.Bands[b])
			continue
		}
		for i := 0; i < n; i++ {
			out.SetValue(b, i, r.Value(b, i))
		}
	}
	return out
}

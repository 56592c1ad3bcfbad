package mask

import (
	"context"
	"math"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// DefaultScoreDistance caps the cloud distance score, in metres.
const DefaultScoreDistance = 5000

// Scored adds a cloud distance score to the masks of another provider.
type Scored struct {
	Provider    Provider
	MaxDistance float64
}

// WithScore decorates p so that every mask carries a score: the distance in
// ground units to the nearest filled but invalid pixel, capped at
// maxDistance, and 0 outside the footprint. Obscured patches narrower than
// three pixels are removed by a morphological opening before measuring.
func WithScore(p Provider, maxDistance float64) *Scored {
	if maxDistance <= 0 {
		maxDistance = DefaultScoreDistance
	}
	return &Scored{Provider: p, MaxDistance: maxDistance}
}

// ComputeMask implements Provider.
func (s *Scored) ComputeMask(ctx context.Context, img model.Image, pixels *raster.Raster) (*Mask, error) {
	m, err := s.Provider.ComputeMask(ctx, img, pixels)
	if err != nil {
		return nil, err
	}
	opened := open3x3(obscured(m), m.Width, m.Height)
	m.Score = distanceFrom(opened, m, pixelSize(m.Transform), s.MaxDistance)
	return m, nil
}

func pixelSize(t raster.Transform) float64 {
	size := math.Abs(t[1])
	if size == 0 {
		return 1
	}
	return size
}

// CloudDistance computes the capped distance from every pixel to the nearest
// obscured pixel (filled and not valid).
func CloudDistance(m *Mask, scale, maxDistance float64) []float32 {
	return distanceFrom(obscured(m), m, scale, maxDistance)
}

func obscured(m *Mask) []bool {
	out := make([]bool, len(m.Valid))
	for i, v := range m.Valid {
		out[i] = m.IsFilled(i) && !v
	}
	return out
}

// open3x3 erodes then dilates src with a 3x3 window. Pixels outside the grid
// are ignored by both passes.
func open3x3(src []bool, w, h int) []bool {
	return focal(focal(src, w, h, false), w, h, true)
}

// focal returns the 3x3 maximum of src when dilate is set, else the minimum.
func focal(src []bool, w, h int, dilate bool) []bool {
	out := make([]bool, len(src))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := !dilate
			for dy := -1; dy <= 1 && v != dilate; dy++ {
				for dx := -1; dx <= 1; dx++ {
					r, c := row+dy, col+dx
					if r < 0 || r >= h || c < 0 || c >= w {
						continue
					}
					if src[r*w+c] == dilate {
						v = dilate
						break
					}
				}
			}
			out[row*w+col] = v
		}
	}
	return out
}

func distanceFrom(sources []bool, m *Mask, scale, maxDistance float64) []float32 {
	w, h := m.Width, m.Height
	d2 := make([]float64, w*h)
	found := false
	for i, src := range sources {
		if src {
			found = true
			continue
		}
		d2[i] = math.Inf(1)
	}
	out := make([]float32, w*h)
	if found {
		squaredDistance(d2, w, h)
	}
	for i := range out {
		switch {
		case !m.IsFilled(i):
			out[i] = 0
		case math.IsInf(d2[i], 1):
			out[i] = float32(maxDistance)
		default:
			out[i] = float32(math.Min(math.Sqrt(d2[i])*scale, maxDistance))
		}
	}
	return out
}

// squaredDistance replaces f, a w*h grid of 0 (source) and +Inf, with the
// squared Euclidean distance in pixels to the nearest source, using the
// separable lower envelope algorithm of Felzenszwalb and Huttenlocher.
func squaredDistance(f []float64, w, h int) {
	n := w
	if h > n {
		n = h
	}
	line := make([]float64, n)
	res := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)
	for col := 0; col < w; col++ {
		for row := 0; row < h; row++ {
			line[row] = f[row*w+col]
		}
		transform1D(line[:h], res[:h], v, z)
		for row := 0; row < h; row++ {
			f[row*w+col] = res[row]
		}
	}
	for row := 0; row < h; row++ {
		copy(line[:w], f[row*w:(row+1)*w])
		transform1D(line[:w], res[:w], v, z)
		copy(f[row*w:(row+1)*w], res[:w])
	}
}

func transform1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		if k < 0 {
			k = 0
			v[0] = q
			z[0] = math.Inf(-1)
			z[1] = math.Inf(1)
			continue
		}
		// z[0] is -Inf, so k never drops below 0.
		s := intersect(f, q, v[k])
		for s <= z[k] {
			k--
			s = intersect(f, q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	if k < 0 {
		for q := range d {
			d[q] = math.Inf(1)
		}
		return
	}
	j := 0
	for q := 0; q < n; q++ {
		for z[j+1] < float64(q) {
			j++
		}
		dq := float64(q - v[j])
		d[q] = dq*dq + f[v[j]]
	}
}

func intersect(f []float64, q, p int) float64 {
	return ((f[q] + float64(q*q)) - (f[p] + float64(p*p))) / float64(2*q-2*p)
}

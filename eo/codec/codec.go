// Package codec turns rendered tile payloads into rasters on the tile's grid.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"strings"

	"github.com/golang/snappy"
	_ "golang.org/x/image/tiff"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

// Payload formats understood by the platform renderer.
const (
	FormatGeoTIFF   = "GEO_TIFF"
	FormatRawSnappy = "RAW_SNAPPY"
	FormatPNG       = "PNG"
)

// Decoder converts one tile payload into a raster matching spec exactly.
type Decoder interface {
	Decode(data []byte, spec raster.Spec) (*raster.Raster, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte, spec raster.Spec) (*raster.Raster, error)

// Decode calls f.
func (f DecoderFunc) Decode(data []byte, spec raster.Spec) (*raster.Raster, error) {
	return f(data, spec)
}

// ForFormat returns the decoder for a payload format.
func ForFormat(format string) (Decoder, error) {
	switch strings.ToUpper(strings.TrimSpace(format)) {
	case "", FormatGeoTIFF:
		return GeoTIFF{}, nil
	case FormatRawSnappy:
		return RawSnappy{}, nil
	case FormatPNG, "TIFF":
		return Image{}, nil
	}
	return nil, fmt.Errorf("codec: unknown payload format %q", format)
}

// GeoTIFF decodes GeoTIFF payloads. Samples are cast to the spec's band types
// when the platform rendered them in a common wider type.
type GeoTIFF struct{}

// Decode implements Decoder.
func (GeoTIFF) Decode(data []byte, spec raster.Spec) (*raster.Raster, error) {
	src, _, err := geotiff.Decode(data)
	if err != nil {
		return nil, err
	}
	if src.Spec.Width != spec.Width || src.Spec.Height != spec.Height {
		return nil, fmt.Errorf("codec: payload is %dx%d, tile is %dx%d", src.Spec.Width, src.Spec.Height, spec.Width, spec.Height)
	}
	if len(src.Spec.Bands) != len(spec.Bands) {
		return nil, fmt.Errorf("codec: payload has %d bands, tile has %d", len(src.Spec.Bands), len(spec.Bands))
	}
	return castInto(spec, src.Spec.Bands, src.Bands), nil
}

// RawSnappy decodes snappy-compressed band-sequential little-endian samples.
type RawSnappy struct{}

// Decode implements Decoder.
func (RawSnappy) Decode(data []byte, spec raster.Spec) (*raster.Raster, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy: %w", err)
	}
	if want := spec.Pixels() * spec.BytesPerPixel(); len(raw) != want {
		return nil, fmt.Errorf("codec: raw payload has %d bytes, want %d", len(raw), want)
	}
	bands := make([][]byte, len(spec.Bands))
	off := 0
	for i, b := range spec.Bands {
		n := spec.Pixels() * b.DType.Size()
		bands[i] = raw[off : off+n]
		off += n
	}
	return raster.FromBands(spec, bands)
}

// EncodeRawSnappy is the inverse of RawSnappy.Decode.
func EncodeRawSnappy(r *raster.Raster) []byte {
	var buf bytes.Buffer
	for _, b := range r.Bands {
		buf.Write(b)
	}
	return snappy.Encode(nil, buf.Bytes())
}

// Image decodes PNG and plain TIFF renderings. Gray images fill one band,
// RGB three and RGBA four.
type Image struct{}

// Decode implements Decoder.
func (Image) Decode(data []byte, spec raster.Spec) (*raster.Raster, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != spec.Width || bounds.Dy() != spec.Height {
		return nil, fmt.Errorf("codec: image is %dx%d, tile is %dx%d", bounds.Dx(), bounds.Dy(), spec.Width, spec.Height)
	}
	channels := 4
	depth := raster.Uint8
	switch img.ColorModel() {
	case color.GrayModel:
		channels = 1
	case color.Gray16Model:
		channels, depth = 1, raster.Uint16
	case color.RGBA64Model, color.NRGBA64Model:
		depth = raster.Uint16
	}
	if len(spec.Bands) > channels || (channels == 4 && len(spec.Bands) < 3) {
		return nil, fmt.Errorf("codec: image has %d channels, tile has %d bands", channels, len(spec.Bands))
	}
	srcSpec := spec
	srcSpec.Bands = make([]raster.BandSpec, len(spec.Bands))
	for i := range srcSpec.Bands {
		srcSpec.Bands[i] = raster.BandSpec{Name: spec.Bands[i].Name, DType: depth}
	}
	src := raster.New(srcSpec)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var vals [4]uint32
			if channels == 1 {
				g, _, _, _ := img.At(x, y).RGBA()
				vals[0] = g
			} else {
				c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
				vals = [4]uint32{uint32(c.R), uint32(c.G), uint32(c.B), uint32(c.A)}
			}
			for b := range srcSpec.Bands {
				v := vals[b]
				if depth == raster.Uint8 {
					v >>= 8
				}
				src.SetValue(b, i, float64(v))
			}
			i++
		}
	}
	return castInto(spec, srcSpec.Bands, src.Bands), nil
}

func castInto(spec raster.Spec, have []raster.BandSpec, bands [][]byte) *raster.Raster {
	out := &raster.Raster{Spec: spec, Bands: make([][]byte, len(spec.Bands))}
	n := spec.Pixels()
	for b, want := range spec.Bands {
		from := have[b].DType
		if from == want.DType {
			out.Bands[b] = bands[b]
			continue
		}
		buf := make([]byte, n*want.DType.Size())
		fs, ws := from.Size(), want.DType.Size()
		for i := 0; i < n; i++ {
			want.DType.Put(buf[i*ws:(i+1)*ws], from.Get(bands[b][i*fs:(i+1)*fs]))
		}
		out.Bands[b] = buf
	}
	return out
}

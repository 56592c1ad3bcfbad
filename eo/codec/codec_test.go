package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

func tileSpec(width, height int, dtypes ...raster.DType) raster.Spec {
	spec := raster.Spec{
		CRS: "EPSG:3857", Scale: 10, Width: width, Height: height,
		Transform: raster.NorthUp(0, 0, 10),
	}
	for i, d := range dtypes {
		spec.Bands = append(spec.Bands, raster.BandSpec{Name: string(rune('a' + i)), DType: d})
	}
	return spec
}

func TestRawSnappyDecode(t *testing.T) {
	spec := tileSpec(3, 2, raster.Uint16, raster.Float32)
	src := raster.New(spec)
	for i := 0; i < src.Pixels(); i++ {
		src.SetValue(0, i, float64(i*1000))
		src.SetValue(1, i, float64(i)+0.5)
	}
	dec, err := ForFormat(FormatRawSnappy)
	if err != nil {
		t.Fatalf("ForFormat: %v", err)
	}
	got, err := dec.Decode(EncodeRawSnappy(src), spec)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	for b := range src.Bands {
		if !bytes.Equal(got.Bands[b], src.Bands[b]) {
			t.Fatalf("band %d differs", b)
		}
	}
	if _, err := dec.Decode(EncodeRawSnappy(src), tileSpec(2, 2, raster.Uint16, raster.Float32)); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestGeoTIFFDecodeCastsToTileTypes(t *testing.T) {
	wide := tileSpec(4, 4, raster.Uint16, raster.Uint16)
	src := raster.New(wide)
	for i := 0; i < src.Pixels(); i++ {
		src.SetValue(0, i, float64(i))
		src.SetValue(1, i, float64(255-i))
	}
	var buf bytes.Buffer
	if err := geotiff.Encode(&buf, src, geotiff.Options{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := tileSpec(4, 4, raster.Uint16, raster.Uint8)
	got, err := GeoTIFF{}.Decode(buf.Bytes(), want)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got.Spec.Bands[1].DType != raster.Uint8 {
		t.Fatalf("band not cast: %s", got.Spec.Bands[1].DType)
	}
	for i := 0; i < got.Pixels(); i++ {
		if got.Value(1, i) != float64(255-i) || got.Value(0, i) != float64(i) {
			t.Fatalf("pixel %d changed", i)
		}
	}
	if _, err := (GeoTIFF{}).Decode(buf.Bytes(), tileSpec(5, 4, raster.Uint16, raster.Uint8)); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestImageDecodeGrayPNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 40)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	got, err := Image{}.Decode(buf.Bytes(), tileSpec(3, 2, raster.Uint8))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	for i := range img.Pix {
		if got.Value(0, i) != float64(img.Pix[i]) {
			t.Fatalf("pixel %d: got %v want %d", i, got.Value(0, i), img.Pix[i])
		}
	}
}

func TestImageDecodeRGBPNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	got, err := Image{}.Decode(buf.Bytes(), tileSpec(2, 2, raster.Uint8, raster.Uint8, raster.Uint8))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got.Value(0, 3) != 10 || got.Value(1, 3) != 20 || got.Value(2, 3) != 30 {
		t.Fatalf("unexpected RGB values %v %v %v", got.Value(0, 3), got.Value(1, 3), got.Value(2, 3))
	}
}

func TestForFormatUnknown(t *testing.T) {
	if _, err := ForFormat("JPEG2000"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

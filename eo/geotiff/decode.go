package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/example/go-eomosaic/eo/raster"
)

// ErrFormat is returned for input that is not a supported GeoTIFF.
var ErrFormat = errors.New("geotiff: unsupported or malformed file")

// Info carries the georeferencing and metadata read from a file.
type Info struct {
	Width        int
	Height       int
	EPSG         int
	Transform    raster.Transform
	HasTransform bool
	NoData       *float64
	Metadata     map[string]string
	Descriptions []string
}

type field struct {
	typ   uint16
	count uint32
	data  []byte
}

type reader struct {
	buf    []byte
	order  binary.ByteOrder
	fields map[uint16]field
}

// Decode reads a strip-organised baseline GeoTIFF into a raster. Bands are
// named after their descriptions, falling back to B1, B2 and so on.
func Decode(data []byte) (*raster.Raster, *Info, error) {
	rd, err := parse(data)
	if err != nil {
		return nil, nil, err
	}
	width, err := rd.scalar(tagImageWidth, 0)
	if err != nil {
		return nil, nil, err
	}
	height, err := rd.scalar(tagImageLength, 0)
	if err != nil {
		return nil, nil, err
	}
	if width == 0 || height == 0 {
		return nil, nil, fmt.Errorf("%w: zero size", ErrFormat)
	}
	if _, ok := rd.fields[tagTileWidth]; ok {
		return nil, nil, fmt.Errorf("%w: tiled layout", ErrFormat)
	}
	spp, _ := rd.scalar(tagSamplesPerPixel, 1)
	planar, _ := rd.scalar(tagPlanarConfig, planarChunky)
	compression, _ := rd.scalar(tagCompression, uint64(None))
	predictor, _ := rd.scalar(tagPredictor, 1)
	if predictor != 1 {
		return nil, nil, fmt.Errorf("%w: predictor %d", ErrFormat, predictor)
	}
	rowsPerStrip, _ := rd.scalar(tagRowsPerStrip, height)
	if rowsPerStrip == 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}
	bits, err := rd.uints(tagBitsPerSample)
	if err != nil {
		bits = []uint64{1}
	}
	formats, err := rd.uints(tagSampleFormat)
	if err != nil {
		formats = []uint64{sampleFormatUint}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return nil, nil, fmt.Errorf("%w: mixed bits per sample", ErrFormat)
		}
	}
	dtype, err := dtypeFor(bits[0], formats[0])
	if err != nil {
		return nil, nil, err
	}
	offsets, err := rd.uints(tagStripOffsets)
	if err != nil {
		return nil, nil, err
	}
	counts, err := rd.uints(tagStripByteCounts)
	if err != nil {
		return nil, nil, err
	}
	if len(offsets) != len(counts) {
		return nil, nil, fmt.Errorf("%w: strip tables differ in length", ErrFormat)
	}

	info := &Info{Width: int(width), Height: int(height)}
	if err := rd.georef(info); err != nil {
		return nil, nil, err
	}
	md, _ := rd.ascii(tagGDALMetadata)
	info.Metadata, info.Descriptions, err = unmarshalMetadata(md, int(spp))
	if err != nil {
		return nil, nil, err
	}
	if nd, err := rd.ascii(tagGDALNoData); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd), 64); err == nil {
			info.NoData = &v
		}
	}

	spec := raster.Spec{
		Width:     int(width),
		Height:    int(height),
		Transform: info.Transform,
		Scale:     info.Transform[1],
	}
	if info.EPSG > 0 {
		spec.CRS = fmt.Sprintf("EPSG:%d", info.EPSG)
	}
	if info.NoData != nil {
		spec.NoData = *info.NoData
	}
	for i := 0; i < int(spp); i++ {
		name := info.Descriptions[i]
		if name == "" {
			name = fmt.Sprintf("B%d", i+1)
		}
		spec.Bands = append(spec.Bands, raster.BandSpec{Name: name, DType: dtype})
	}
	out := raster.New(spec)

	size := dtype.Size()
	rowBytes := int(width) * size
	stripsPerImage := int((height + rowsPerStrip - 1) / rowsPerStrip)
	planes, pixelBytes := 1, rowBytes*int(spp)
	if planar == planarSeparate {
		planes, pixelBytes = int(spp), rowBytes
	}
	if len(offsets) < stripsPerImage*planes {
		return nil, nil, fmt.Errorf("%w: %d strips, want %d", ErrFormat, len(offsets), stripsPerImage*planes)
	}
	for i := range offsets {
		strip, err := rd.strip(offsets[i], counts[i], Compression(compression))
		if err != nil {
			return nil, nil, err
		}
		rows := min(int(rowsPerStrip), int(height)-(i%stripsPerImage)*int(rowsPerStrip))
		if want := rows * pixelBytes; len(strip) < want {
			return nil, nil, fmt.Errorf("%w: strip %d holds %d bytes, want %d", ErrFormat, i, len(strip), want)
		}
		if planar == planarSeparate {
			band := i / stripsPerImage
			row := (i % stripsPerImage) * int(rowsPerStrip)
			if band >= int(spp) {
				return nil, nil, fmt.Errorf("%w: too many strips", ErrFormat)
			}
			start := row * rowBytes
			n := min(len(strip), len(out.Bands[band])-start)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: strip %d out of range", ErrFormat, i)
			}
			copy(out.Bands[band][start:start+n], strip[:n])
			continue
		}
		row := i * int(rowsPerStrip)
		pixel := row * int(width)
		for j := 0; j+size*int(spp) <= len(strip) && pixel < spec.Pixels(); j += size * int(spp) {
			for b := 0; b < int(spp); b++ {
				copy(out.Bands[b][pixel*size:(pixel+1)*size], strip[j+b*size:j+(b+1)*size])
			}
			pixel++
		}
	}
	if rd.order == binary.BigEndian && size > 1 {
		for _, band := range out.Bands {
			swapBytes(band, size)
		}
	}
	return out, info, nil
}

func parse(data []byte) (*reader, error) {
	if len(data) < 8 {
		return nil, ErrFormat
	}
	rd := &reader{buf: data, fields: map[uint16]field{}}
	switch string(data[:2]) {
	case "II":
		rd.order = binary.LittleEndian
	case "MM":
		rd.order = binary.BigEndian
	default:
		return nil, ErrFormat
	}
	if rd.order.Uint16(data[2:]) != 42 {
		return nil, fmt.Errorf("%w: not a classic TIFF", ErrFormat)
	}
	off := int64(rd.order.Uint32(data[4:]))
	if off+2 > int64(len(data)) {
		return nil, fmt.Errorf("%w: IFD offset out of range", ErrFormat)
	}
	n := int64(rd.order.Uint16(data[off:]))
	if off+2+12*n > int64(len(data)) {
		return nil, fmt.Errorf("%w: IFD truncated", ErrFormat)
	}
	for i := int64(0); i < n; i++ {
		rec := data[off+2+12*i : off+2+12*(i+1)]
		tag := rd.order.Uint16(rec)
		typ := rd.order.Uint16(rec[2:])
		count := rd.order.Uint32(rec[4:])
		width := typeSize(typ)
		if width == 0 {
			continue
		}
		total := int64(width) * int64(count)
		var value []byte
		if total <= 4 {
			value = rec[8 : 8+total]
		} else {
			start := int64(rd.order.Uint32(rec[8:]))
			if start+total > int64(len(data)) {
				return nil, fmt.Errorf("%w: tag %d out of range", ErrFormat, tag)
			}
			value = data[start : start+total]
		}
		rd.fields[tag] = field{typ: typ, count: count, data: value}
	}
	return rd, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeDouble:
		return 8
	}
	return 0
}

func (rd *reader) uints(tag uint16) ([]uint64, error) {
	f, ok := rd.fields[tag]
	if !ok {
		return nil, fmt.Errorf("%w: missing tag %d", ErrFormat, tag)
	}
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte:
			out[i] = uint64(f.data[i])
		case typeShort:
			out[i] = uint64(rd.order.Uint16(f.data[2*i:]))
		case typeLong:
			out[i] = uint64(rd.order.Uint32(f.data[4*i:]))
		default:
			return nil, fmt.Errorf("%w: tag %d has type %d", ErrFormat, tag, f.typ)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty tag %d", ErrFormat, tag)
	}
	return out, nil
}

func (rd *reader) scalar(tag uint16, def uint64) (uint64, error) {
	vals, err := rd.uints(tag)
	if err != nil {
		if _, ok := rd.fields[tag]; !ok && def != 0 {
			return def, nil
		}
		return 0, err
	}
	return vals[0], nil
}

func (rd *reader) doubles(tag uint16) ([]float64, bool) {
	f, ok := rd.fields[tag]
	if !ok || f.typ != typeDouble {
		return nil, false
	}
	out := make([]float64, f.count)
	for i := range out {
		out[i] = math.Float64frombits(rd.order.Uint64(f.data[8*i:]))
	}
	return out, true
}

func (rd *reader) ascii(tag uint16) (string, error) {
	f, ok := rd.fields[tag]
	if !ok || f.typ != typeASCII {
		return "", fmt.Errorf("%w: missing tag %d", ErrFormat, tag)
	}
	return strings.TrimRight(string(f.data), "\x00"), nil
}

func (rd *reader) georef(info *Info) error {
	if m, ok := rd.doubles(tagModelTransform); ok && len(m) >= 8 {
		info.Transform = raster.Transform{m[3], m[0], m[1], m[7], m[4], m[5]}
		info.HasTransform = true
	} else if scale, ok := rd.doubles(tagModelPixelScale); ok && len(scale) >= 2 {
		tie, ok := rd.doubles(tagModelTiepoint)
		if !ok || len(tie) < 6 {
			return fmt.Errorf("%w: pixel scale without tiepoint", ErrFormat)
		}
		originX := tie[3] - tie[0]*scale[0]
		originY := tie[4] + tie[1]*scale[1]
		info.Transform = raster.NorthUp(originX, originY, scale[0])
		info.Transform[5] = -scale[1]
		info.HasTransform = true
	}
	keys, err := rd.uints(tagGeoKeyDirectory)
	if err != nil || len(keys) < 4 {
		return nil
	}
	for i := 4; i+3 < len(keys); i += 4 {
		id, loc, value := keys[i], keys[i+1], keys[i+3]
		if loc != 0 {
			continue
		}
		if id == keyProjectedCSType || id == keyGeographicType {
			if info.EPSG == 0 || id == keyProjectedCSType {
				info.EPSG = int(value)
			}
		}
	}
	return nil
}

func (rd *reader) strip(offset, count uint64, compression Compression) ([]byte, error) {
	if offset+count > uint64(len(rd.buf)) {
		return nil, fmt.Errorf("%w: strip out of range", ErrFormat)
	}
	raw := rd.buf[offset : offset+count]
	switch compression {
	case None:
		return raw, nil
	case Deflate, AdobeDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("geotiff: inflate: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("geotiff: inflate: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: compression %d", ErrFormat, compression)
}

func dtypeFor(bits, format uint64) (raster.DType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return raster.Uint8, nil
		case 16:
			return raster.Uint16, nil
		case 32:
			return raster.Uint32, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return raster.Int8, nil
		case 16:
			return raster.Int16, nil
		case 32:
			return raster.Int32, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return raster.Float32, nil
		case 64:
			return raster.Float64, nil
		}
	}
	return "", fmt.Errorf("%w: %d-bit samples with format %d", ErrFormat, bits, format)
}

func swapBytes(buf []byte, size int) {
	for i := 0; i+size <= len(buf); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			buf[a], buf[b] = buf[b], buf[a]
		}
	}
}

package geotiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"

	"github.com/example/go-eomosaic/eo/raster"
)

const targetStripBytes = 256 << 10

// Options controls encoding.
type Options struct {
	Compression Compression
	// Metadata is written as dataset-level GDAL metadata items.
	Metadata map[string]string
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes r as a planar-separate, strip-organised little-endian GeoTIFF.
// Bands of mixed types are cast to their common type.
func Encode(w io.Writer, r *raster.Raster, opts Options) error {
	if r == nil {
		return fmt.Errorf("geotiff: nil raster")
	}
	spec := r.Spec
	if err := spec.Validate(); err != nil {
		return err
	}
	types := make([]raster.DType, len(spec.Bands))
	for i, b := range spec.Bands {
		types[i] = b.DType
	}
	dtype := raster.CommonDType(types...)
	for _, t := range types {
		if t != dtype {
			r = r.Convert(dtype)
			spec = r.Spec
			break
		}
	}
	compression := opts.Compression
	if compression == 0 {
		compression = None
	}
	if compression != None && compression != Deflate && compression != AdobeDeflate {
		return fmt.Errorf("geotiff: unsupported compression %d", compression)
	}

	size := dtype.Size()
	rowBytes := spec.Width * size
	rowsPerStrip := max(1, min(spec.Height, targetStripBytes/max(rowBytes, 1)))
	stripsPerBand := (spec.Height + rowsPerStrip - 1) / rowsPerStrip

	var strips [][]byte
	for b := range spec.Bands {
		buf := r.Bands[b]
		for s := 0; s < stripsPerBand; s++ {
			start := s * rowsPerStrip * rowBytes
			end := min(len(buf), start+rowsPerStrip*rowBytes)
			data := buf[start:end]
			if compression != None {
				var err error
				if data, err = deflate(data); err != nil {
					return err
				}
			}
			strips = append(strips, data)
		}
	}

	offsets := make([]uint32, len(strips))
	counts := make([]uint32, len(strips))
	pos := int64(8)
	for i, s := range strips {
		offsets[i] = uint32(pos)
		counts[i] = uint32(len(s))
		pos += int64(len(s)) + int64(len(s)%2)
	}
	if pos > math.MaxUint32 {
		return fmt.Errorf("geotiff: output exceeds 4 GiB")
	}

	spp := len(spec.Bands)
	entries := []entry{
		longs(tagImageWidth, uint32(spec.Width)),
		longs(tagImageLength, uint32(spec.Height)),
		shorts(tagBitsPerSample, repeat(uint16(size*8), spp)...),
		shorts(tagCompression, uint16(compression)),
		shorts(tagPhotometric, 1),
		longs(tagStripOffsets, offsets...),
		shorts(tagSamplesPerPixel, uint16(spp)),
		longs(tagRowsPerStrip, uint32(rowsPerStrip)),
		longs(tagStripByteCounts, counts...),
		shorts(tagPlanarConfig, planarSeparate),
		shorts(tagSampleFormat, repeat(sampleFormat(dtype), spp)...),
		doubles(tagModelPixelScale, spec.Transform[1], -spec.Transform[5], 0),
		doubles(tagModelTiepoint, 0, 0, 0, spec.Transform[0], spec.Transform[3], 0),
	}
	if keys := geoKeys(spec.CRS); keys != nil {
		entries = append(entries, shorts(tagGeoKeyDirectory, keys...))
	}
	descriptions := make([]string, spp)
	for i, b := range spec.Bands {
		descriptions[i] = b.Name
	}
	md, err := marshalMetadata(opts.Metadata, descriptions)
	if err != nil {
		return err
	}
	if md != "" {
		entries = append(entries, ascii(tagGDALMetadata, md))
	}
	if !math.IsNaN(spec.NoData) {
		entries = append(entries, ascii(tagGDALNoData, strconv.FormatFloat(spec.NoData, 'g', -1, 64)))
	} else {
		entries = append(entries, ascii(tagGDALNoData, "nan"))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOffset := pos
	overflow := ifdOffset + 2 + int64(12*len(entries)) + 4
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian

	header := make([]byte, 8)
	copy(header, "II")
	le.PutUint16(header[2:], 42)
	le.PutUint32(header[4:], uint32(ifdOffset))
	if _, err := bw.Write(header); err != nil {
		return err
	}
	for _, s := range strips {
		if _, err := bw.Write(s); err != nil {
			return err
		}
		if len(s)%2 == 1 {
			if err := bw.WriteByte(0); err != nil {
				return err
			}
		}
	}

	ifd := make([]byte, 2, 2+12*len(entries)+4)
	le.PutUint16(ifd, uint16(len(entries)))
	var extra []byte
	for _, e := range entries {
		rec := make([]byte, 12)
		le.PutUint16(rec[0:], e.tag)
		le.PutUint16(rec[2:], e.typ)
		le.PutUint32(rec[4:], e.count)
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			le.PutUint32(rec[8:], uint32(overflow+int64(len(extra))))
			extra = append(extra, e.data...)
			if len(extra)%2 == 1 {
				extra = append(extra, 0)
			}
		}
		ifd = append(ifd, rec...)
	}
	ifd = append(ifd, 0, 0, 0, 0)
	if _, err := bw.Write(ifd); err != nil {
		return err
	}
	if _, err := bw.Write(extra); err != nil {
		return err
	}
	return bw.Flush()
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("geotiff: deflate: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("geotiff: deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("geotiff: deflate: %w", err)
	}
	return buf.Bytes(), nil
}

func geoKeys(crs string) []uint16 {
	code, ok := EPSGCode(crs)
	if !ok || code > math.MaxUint16 {
		return nil
	}
	modelType, crsKey := uint16(modelTypeProjected), uint16(keyProjectedCSType)
	if isGeographic(code) {
		modelType, crsKey = modelTypeGeographic, keyGeographicType
	}
	return []uint16{
		1, 1, 0, 3,
		keyModelType, 0, 1, modelType,
		keyRasterType, 0, 1, rasterPixelIsArea,
		crsKey, 0, 1, uint16(code),
	}
}

func sampleFormat(d raster.DType) uint16 {
	switch {
	case d.Float():
		return sampleFormatFloat
	case d.Signed():
		return sampleFormatInt
	}
	return sampleFormatUint
}

func repeat(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func shorts(tag uint16, vals ...uint16) entry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[2*i:], v)
	}
	return entry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: data}
}

func longs(tag uint16, vals ...uint32) entry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return entry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: data}
}

func doubles(tag uint16, vals ...float64) entry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return entry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: data}
}

func ascii(tag uint16, s string) entry {
	data := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

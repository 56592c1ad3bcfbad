// Package geotiff reads and writes the strip-organised GeoTIFF files used for
// tile payloads and final outputs.
package geotiff

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagPredictor        = 317
	tagTileWidth        = 322
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagModelTransform   = 34264
	tagGeoKeyDirectory  = 34735
	tagGDALMetadata     = 42112
	tagGDALNoData       = 42113
	typeByte            = 1
	typeASCII           = 2
	typeShort           = 3
	typeLong            = 4
	typeDouble          = 12
	planarChunky        = 1
	planarSeparate      = 2
	sampleFormatUint    = 1
	sampleFormatInt     = 2
	sampleFormatFloat   = 3
	keyModelType        = 1024
	keyRasterType       = 1025
	keyGeographicType   = 2048
	keyProjectedCSType  = 3072
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
)

// Compression selects the strip codec.
type Compression uint16

const (
	None    Compression = 1
	Deflate Compression = 8
	// AdobeDeflate is the legacy code some writers use for deflate strips.
	AdobeDeflate Compression = 32946
)

// ParseCompression maps a configuration string onto a codec.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deflate", "zlib":
		return Deflate, nil
	case "none", "raw":
		return None, nil
	}
	return 0, fmt.Errorf("geotiff: unsupported compression %q", s)
}

// EPSGCode extracts the numeric code from an "EPSG:n" identifier.
func EPSGCode(crs string) (int, bool) {
	crs = strings.TrimSpace(crs)
	if len(crs) < 6 || !strings.EqualFold(crs[:5], "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(crs[5:])
	if err != nil || code <= 0 {
		return 0, false
	}
	return code, true
}

func isGeographic(code int) bool {
	return code >= 4000 && code < 5000
}

type gdalMetadata struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample *int   `xml:"sample,attr,omitempty"`
	Role   string `xml:"role,attr,omitempty"`
	Value  string `xml:",chardata"`
}

func marshalMetadata(items map[string]string, descriptions []string) (string, error) {
	if len(items) == 0 && len(descriptions) == 0 {
		return "", nil
	}
	var md gdalMetadata
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		md.Items = append(md.Items, gdalItem{Name: k, Value: items[k]})
	}
	for i, d := range descriptions {
		if d == "" {
			continue
		}
		sample := i
		md.Items = append(md.Items, gdalItem{Name: "DESCRIPTION", Sample: &sample, Role: "description", Value: d})
	}
	out, err := xml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("geotiff: encode metadata: %w", err)
	}
	return string(out), nil
}

func unmarshalMetadata(raw string, bands int) (map[string]string, []string, error) {
	items := map[string]string{}
	descriptions := make([]string, bands)
	if strings.TrimSpace(raw) == "" {
		return items, descriptions, nil
	}
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(raw), &md); err != nil {
		return nil, nil, fmt.Errorf("geotiff: decode metadata: %w", err)
	}
	for _, it := range md.Items {
		if it.Sample != nil {
			if it.Role == "description" || it.Name == "DESCRIPTION" {
				if *it.Sample >= 0 && *it.Sample < bands {
					descriptions[*it.Sample] = it.Value
				}
			}
			continue
		}
		items[it.Name] = it.Value
	}
	return items, descriptions, nil
}

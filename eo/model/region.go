package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ErrEmptyRegion is returned when a region has no area.
var ErrEmptyRegion = errors.New("model: empty region")

// Region is an area of interest expressed in a named CRS.
type Region struct {
	Geometry orb.Geometry
	CRS      string
}

// NewRegion validates the geometry type and CRS.
func NewRegion(g orb.Geometry, crs string) (Region, error) {
	if g == nil {
		return Region{}, ErrEmptyRegion
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Bound, orb.Ring:
	default:
		return Region{}, fmt.Errorf("model: unsupported region geometry %s", g.GeoJSONType())
	}
	b := g.Bound()
	if b.Max.X() <= b.Min.X() || b.Max.Y() <= b.Min.Y() {
		return Region{}, ErrEmptyRegion
	}
	crs = strings.TrimSpace(crs)
	if crs == "" {
		return Region{}, errors.New("model: region crs is required")
	}
	return Region{Geometry: g, CRS: strings.ToUpper(crs)}, nil
}

// BBox builds a rectangular region.
func BBox(minX, minY, maxX, maxY float64, crs string) (Region, error) {
	return NewRegion(orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, crs)
}

// ParseGeoJSON reads a Geometry, Feature or FeatureCollection. Only the first
// feature of a collection is used.
func ParseGeoJSON(data []byte, crs string) (Region, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Region{}, fmt.Errorf("model: parse geojson: %w", err)
	}
	var g orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Region{}, fmt.Errorf("model: parse geojson: %w", err)
		}
		if len(fc.Features) == 0 {
			return Region{}, ErrEmptyRegion
		}
		g = fc.Features[0].Geometry
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return Region{}, fmt.Errorf("model: parse geojson: %w", err)
		}
		g = f.Geometry
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Region{}, fmt.Errorf("model: parse geojson: %w", err)
		}
		g = geom.Geometry()
	}
	return NewRegion(g, crs)
}

// IsZero reports whether the region is unset.
func (r Region) IsZero() bool {
	return r.Geometry == nil
}

// Bound returns the bounding box.
func (r Region) Bound() orb.Bound {
	if r.Geometry == nil {
		return orb.Bound{}
	}
	return r.Geometry.Bound()
}

// Contains reports whether the point lies inside the region.
func (r Region) Contains(x, y float64) bool {
	p := orb.Point{x, y}
	switch g := r.Geometry.(type) {
	case orb.Bound:
		return g.Contains(p)
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Ring:
		return planar.RingContains(g, p)
	}
	return false
}

// SameCRS compares CRS identifiers case-insensitively.
func SameCRS(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

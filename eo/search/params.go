package search

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/example/go-eomosaic/eo/model"
)

// DefaultSpan is the search window used when no end time is given.
const DefaultSpan = 24 * time.Hour

const defaultPageSize = 100

// Params represents the filters of a collection query.
type Params struct {
	Collection Collection
	Start      time.Time
	// End defaults to Start plus DefaultSpan.
	End        time.Time
	Region     model.Region
	MaxResults int
	PageSize   int
	Additional map[string][]string
}

// New returns a Params instance with sensible defaults.
func New() Params {
	return Params{
		Additional: make(map[string][]string),
		PageSize:   defaultPageSize,
	}
}

// Set adds a custom parameter value.
func (p *Params) Set(key string, value string) {
	if p.Additional == nil {
		p.Additional = make(map[string][]string)
	}
	p.Additional[key] = []string{value}
}

// Add appends a value to a multi-value parameter.
func (p *Params) Add(key string, value string) {
	if p.Additional == nil {
		p.Additional = make(map[string][]string)
	}
	p.Additional[key] = append(p.Additional[key], value)
}

// EndTime returns End, or the default end when unset.
func (p Params) EndTime() time.Time {
	if p.End.IsZero() && !p.Start.IsZero() {
		return p.Start.Add(DefaultSpan)
	}
	return p.End
}

// Validate checks the collection and the time range.
func (p Params) Validate() error {
	if p.Collection == "" {
		return fmt.Errorf("collection must be provided")
	}
	if p.Start.IsZero() {
		return fmt.Errorf("start time must be provided")
	}
	if !p.EndTime().After(p.Start) {
		return fmt.Errorf("end time must be after start time")
	}
	return nil
}

// Encode serialises the filters into the query string of the collection
// images endpoint. The collection itself is part of the path.
func (p Params) Encode() (url.Values, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	values := make(url.Values)
	values.Set("start", p.Start.UTC().Format(time.RFC3339))
	values.Set("end", p.EndTime().UTC().Format(time.RFC3339))

	if !p.Region.IsZero() {
		b := p.Region.Bound()
		values.Set("bbox", fmt.Sprintf("%s,%s,%s,%s", formatFloat(b.Min[0]), formatFloat(b.Min[1]), formatFloat(b.Max[0]), formatFloat(b.Max[1])))
		if p.Region.CRS != "" {
			values.Set("crs", p.Region.CRS)
		}
		if _, isBound := p.Region.Geometry.(orb.Bound); !isBound {
			raw, err := geojson.NewGeometry(p.Region.Geometry).MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("encode region: %w", err)
			}
			values.Set("intersects", string(raw))
		}
	}
	if p.MaxResults > 0 {
		values.Set("maxResults", strconv.Itoa(p.MaxResults))
	}
	values.Set("pageSize", strconv.Itoa(p.PageSizeOrDefault()))

	for k, vals := range p.Additional {
		for _, v := range vals {
			values.Add(k, v)
		}
	}

	return values, nil
}

// PageSizeOrDefault returns the requested results per page.
func (p Params) PageSizeOrDefault() int {
	if p.PageSize <= 0 {
		return defaultPageSize
	}
	if p.MaxResults > 0 && p.MaxResults < p.PageSize {
		return p.MaxResults
	}
	return p.PageSize
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package search

import (
	"time"

	"github.com/example/go-eomosaic/eo/model"
)

// Builder provides a fluent way to construct Params.
type Builder struct {
	params Params
}

// ParamsBuilder creates a new Builder with default Params.
func ParamsBuilder() Builder {
	return Builder{params: New()}
}

// Collection selects the collection to query.
func (b Builder) Collection(v Collection) Builder {
	b.params.Collection = v
	return b
}

// StartTime sets the inclusive search start time.
func (b Builder) StartTime(t time.Time) Builder {
	b.params.Start = t
	return b
}

// EndTime sets the exclusive search end time.
func (b Builder) EndTime(t time.Time) Builder {
	b.params.End = t
	return b
}

// Region restricts results to images intersecting r.
func (b Builder) Region(r model.Region) Builder {
	b.params.Region = r
	return b
}

// MaxResults caps the total number of images returned.
func (b Builder) MaxResults(n int) Builder {
	b.params.MaxResults = n
	return b
}

// PageSize sets the number of images requested per page.
func (b Builder) PageSize(n int) Builder {
	b.params.PageSize = n
	return b
}

// Set assigns a custom parameter value.
func (b Builder) Set(key, value string) Builder {
	b.params.Set(key, value)
	return b
}

// Add appends a custom parameter value.
func (b Builder) Add(key, value string) Builder {
	b.params.Add(key, value)
	return b
}

// Build returns the composed Params.
func (b Builder) Build() Params {
	return b.params
}

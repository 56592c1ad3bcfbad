package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// SearchResponse mirrors one page of the collection query endpoint.
type SearchResponse struct {
	Images []Image `json:"images"`
	Page   int     `json:"page"`
}

// Image is an opaque handle to a remote image. Its pixels only exist once rendered.
type Image struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Acquired   time.Time              `json:"-"`
	Bands      []Band                 `json:"bands"`
	Properties map[string]interface{} `json:"properties"`
}

// Band describes one band published by an image.
type Band struct {
	Name        string `json:"name" yaml:"name"`
	DType       string `json:"dtype" yaml:"dtype"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

type imageJSON struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Collection string                 `json:"collection"`
	Acquired   string                 `json:"acquired"`
	Bands      []Band                 `json:"bands"`
	Properties map[string]interface{} `json:"properties"`
}

// UnmarshalJSON normalises identity, acquisition time and properties.
func (img *Image) UnmarshalJSON(data []byte) error {
	var tmp imageJSON
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*img = Image{
		ID:         tmp.ID,
		Collection: tmp.Collection,
		Bands:      tmp.Bands,
		Properties: tmp.Properties,
	}
	if img.ID == "" {
		img.ID = tmp.Name
	}
	if img.Properties == nil {
		img.Properties = map[string]interface{}{}
	}
	if img.Bands == nil {
		img.Bands = []Band{}
	}
	if img.Collection == "" && strings.Contains(img.ID, "/") {
		img.Collection = img.ID[:strings.LastIndex(img.ID, "/")]
	}
	img.Acquired = parseTime(tmp.Acquired)
	if img.Acquired.IsZero() {
		img.Acquired = millisProperty(img.Properties, "system:time_start")
	}
	return nil
}

// MarshalJSON writes the acquisition time in RFC3339.
func (img Image) MarshalJSON() ([]byte, error) {
	out := imageJSON{
		ID:         img.ID,
		Collection: img.Collection,
		Bands:      img.Bands,
		Properties: img.Properties,
	}
	if !img.Acquired.IsZero() {
		out.Acquired = img.Acquired.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Band returns the named band.
func (img Image) Band(name string) (Band, bool) {
	for _, b := range img.Bands {
		if b.Name == name {
			return b, true
		}
	}
	return Band{}, false
}

// BandNames lists band names in published order.
func (img Image) BandNames() []string {
	names := make([]string, 0, len(img.Bands))
	for _, b := range img.Bands {
		names = append(names, b.Name)
	}
	return names
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func millisProperty(props map[string]interface{}, key string) time.Time {
	switch v := props[key].(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case string:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

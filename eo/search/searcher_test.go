package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

const testCollection Collection = "TEST/QA"

type fakeCatalog struct {
	images []model.Image
	params Params
}

func (c *fakeCatalog) QueryCollection(_ context.Context, p Params) ([]model.Image, error) {
	c.params = p
	return c.images, nil
}

// cloudyMaterializer marks the first clouds[id] pixels of each image cloudy.
type cloudyMaterializer struct {
	mu     sync.Mutex
	clouds map[string]int
	specs  []raster.Spec
}

func (m *cloudyMaterializer) Materialize(_ context.Context, img model.Image, spec raster.Spec) (*raster.Raster, error) {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	r := raster.New(spec)
	b1, qa := spec.BandIndex("B1"), spec.BandIndex("QA")
	for i := 0; i < r.Pixels(); i++ {
		r.SetValue(b1, i, 1)
		if i < m.clouds[img.ID] {
			r.SetValue(qa, i, 2)
		}
	}
	return r, nil
}

func testRegistry(t *testing.T) *mask.Registry {
	t.Helper()
	reg := mask.NewRegistry()
	err := reg.AddCollection(mask.Collection{
		Name: string(testCollection),
		Bands: []model.Band{
			{Name: "B1", DType: "uint16"},
			{Name: "B2", DType: "uint16"},
			{Name: "QA", DType: "uint16"},
		},
		Mask: mask.MaskDef{Rules: []mask.Rule{{Band: "QA", Kind: mask.KindCloud, Value: "10"}}},
	})
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	return reg
}

func testQuery(t *testing.T, min float64) Query {
	t.Helper()
	region, err := model.BBox(0, 0, 100, 10, "EPSG:32633")
	if err != nil {
		t.Fatalf("BBox: %v", err)
	}
	return Query{
		Collection:        testCollection,
		Start:             time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		End:               time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC),
		Region:            region,
		Scale:             10,
		Bands:             []string{"B1"},
		MinUsableFraction: min,
	}
}

func day(d int) time.Time {
	return time.Date(2021, 1, d, 10, 0, 0, 0, time.UTC)
}

func TestSearchFiltersByUsableFraction(t *testing.T) {
	catalog := &fakeCatalog{images: []model.Image{
		{ID: "TEST/QA/A", Collection: string(testCollection), Acquired: day(3)},
		{ID: "TEST/QA/B", Collection: string(testCollection), Acquired: day(1)},
		{ID: "TEST/QA/C", Collection: string(testCollection), Acquired: day(2)},
	}}
	mat := &cloudyMaterializer{clouds: map[string]int{"TEST/QA/A": 2, "TEST/QA/B": 6, "TEST/QA/C": 0}}
	s, err := NewSearcher(catalog, mat, WithRegistry(testRegistry(t)), WithConcurrency(2))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}

	scenes, err := s.Search(context.Background(), testQuery(t, 0.6))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(scenes))
	}
	if scenes[0].Image.ID != "TEST/QA/C" || scenes[1].Image.ID != "TEST/QA/A" {
		t.Fatalf("scenes not ordered by acquisition: %s, %s", scenes[0].Image.ID, scenes[1].Image.ID)
	}
	if scenes[0].Stats.UsableFraction != 1 || scenes[1].Stats.UsableFraction != 0.8 {
		t.Fatalf("unexpected usable fractions %v %v", scenes[0].Stats.UsableFraction, scenes[1].Stats.UsableFraction)
	}
	if scenes[0].Stats.HasScore {
		t.Fatalf("collection without a score distance should not report a score")
	}
	if catalog.params.Collection != testCollection {
		t.Fatalf("catalogue queried for %q", catalog.params.Collection)
	}
	if names := mat.specs[0].BandNames(); len(names) != 2 || names[0] != "B1" || names[1] != "QA" {
		t.Fatalf("mask band should be rendered with the requested bands, got %v", names)
	}
	if in := Inputs(scenes); len(in) != 2 || in[1].Mask != scenes[1].Mask {
		t.Fatalf("Inputs did not preserve scenes")
	}
}

func TestSearchTiesOrderedByID(t *testing.T) {
	catalog := &fakeCatalog{images: []model.Image{
		{ID: "TEST/QA/Z", Collection: string(testCollection), Acquired: day(5)},
		{ID: "TEST/QA/M", Collection: string(testCollection), Acquired: day(5)},
	}}
	s, err := NewSearcher(catalog, &cloudyMaterializer{}, WithRegistry(testRegistry(t)))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	scenes, err := s.Search(context.Background(), testQuery(t, 0))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if scenes[0].Image.ID != "TEST/QA/M" {
		t.Fatalf("equal timestamps should order by ID, got %s first", scenes[0].Image.ID)
	}
}

func TestSearchEmptyResult(t *testing.T) {
	reg := testRegistry(t)
	s, err := NewSearcher(&fakeCatalog{}, &cloudyMaterializer{}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if _, err := s.Search(context.Background(), testQuery(t, 0.5)); !errors.Is(err, errs.ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult for an empty catalogue, got %v", err)
	}

	catalog := &fakeCatalog{images: []model.Image{{ID: "TEST/QA/A", Collection: string(testCollection), Acquired: day(1)}}}
	mat := &cloudyMaterializer{clouds: map[string]int{"TEST/QA/A": 9}}
	s, err = NewSearcher(catalog, mat, WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if _, err := s.Search(context.Background(), testQuery(t, 0.5)); !errors.Is(err, errs.ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult when every image is too cloudy, got %v", err)
	}
}

func TestSearchRejectsBadQuery(t *testing.T) {
	s, err := NewSearcher(&fakeCatalog{}, &cloudyMaterializer{}, WithRegistry(testRegistry(t)))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	q := testQuery(t, 1.5)
	if _, err := s.Search(context.Background(), q); err == nil {
		t.Fatalf("expected error for a fraction above 1")
	}
	q = testQuery(t, 0.5)
	q.Region = model.Region{}
	if _, err := s.Search(context.Background(), q); err == nil {
		t.Fatalf("expected error without a region")
	}
	q = testQuery(t, 0.5)
	q.Bands = []string{"B9"}
	s.catalog = &fakeCatalog{images: []model.Image{{ID: "TEST/QA/A", Collection: string(testCollection), Acquired: day(1)}}}
	if _, err := s.Search(context.Background(), q); err == nil {
		t.Fatalf("expected error for an unknown band")
	}
}

func TestScenesUsesImageCollection(t *testing.T) {
	mat := &cloudyMaterializer{clouds: map[string]int{"TEST/QA/A": 5}}
	s, err := NewSearcher(&fakeCatalog{}, mat, WithRegistry(testRegistry(t)))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	q := testQuery(t, 0)
	q.Collection = ""
	q.Bands = nil
	images := []model.Image{{ID: "TEST/QA/A", Collection: string(testCollection), Acquired: day(4)}}
	scenes, err := s.Scenes(context.Background(), images, q)
	if err != nil {
		t.Fatalf("Scenes: %v", err)
	}
	if len(scenes) != 1 || scenes[0].Stats.UsableFraction != 0.5 {
		t.Fatalf("unexpected scenes %+v", scenes)
	}
	if got := len(mat.specs[0].Bands); got != 3 {
		t.Fatalf("all collection bands should be rendered when none are requested, got %d", got)
	}
}

func TestCollectionsAreCatalogued(t *testing.T) {
	reg, err := mask.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry returned error: %v", err)
	}
	for _, c := range Collections() {
		if _, ok := reg.Collection(c.String()); !ok {
			t.Fatalf("collection %s missing from the catalogue", c)
		}
	}
}

func TestQueryParams(t *testing.T) {
	q := testQuery(t, 0.5)
	q.MaxResults = 7
	p := q.Params()
	if p.Collection != q.Collection || !p.Start.Equal(q.Start) || p.MaxResults != 7 {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.PageSizeOrDefault() != 7 {
		t.Fatalf("page size should be capped by max results, got %d", p.PageSizeOrDefault())
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

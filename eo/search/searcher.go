package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-eomosaic/eo/composite"
	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Catalog lists the images of a collection.
type Catalog interface {
	QueryCollection(ctx context.Context, params Params) ([]model.Image, error)
}

// Materializer renders an image over a grid.
type Materializer interface {
	Materialize(ctx context.Context, img model.Image, spec raster.Spec) (*raster.Raster, error)
}

// Query describes a masked search.
type Query struct {
	Collection Collection
	Start      time.Time
	End        time.Time
	Region     model.Region
	// CRS defaults to the region's CRS.
	CRS   string
	Scale float64
	// Bands to render. Empty means every band of the collection. Bands the
	// mask needs are always added.
	Bands             []string
	NoData            float64
	MinUsableFraction float64
	MaxResults        int
}

// Params converts the query to catalogue filters.
func (q Query) Params() Params {
	return ParamsBuilder().
		Collection(q.Collection).
		StartTime(q.Start).
		EndTime(q.End).
		Region(q.Region).
		MaxResults(q.MaxResults).
		Build()
}

// Stats summarise one scene's mask over the search region.
type Stats struct {
	UsableFraction float64
	MeanScore      float64
	HasScore       bool
}

// Scene is an image that passed the search filters.
type Scene struct {
	Image  model.Image
	Raster *raster.Raster
	Mask   *mask.Mask
	Stats  Stats
}

// Input converts the scene for compositing.
func (s Scene) Input() composite.Input {
	return composite.Input{Image: s.Image, Pixels: s.Raster, Mask: s.Mask}
}

// Inputs converts scenes for compositing, preserving order.
func Inputs(scenes []Scene) []composite.Input {
	out := make([]composite.Input, len(scenes))
	for i, s := range scenes {
		out[i] = s.Input()
	}
	return out
}

// Searcher finds usable images of a collection.
type Searcher struct {
	catalog      Catalog
	materializer Materializer
	registry     *mask.Registry
	concurrency  int
	logger       *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithRegistry sets the collection and mask registry.
func WithRegistry(r *mask.Registry) Option {
	return func(s *Searcher) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithConcurrency bounds how many images are rendered at once.
func WithConcurrency(n int) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSearcher constructs a Searcher using the embedded collection catalogue
// unless WithRegistry is given.
func NewSearcher(c Catalog, m Materializer, opts ...Option) (*Searcher, error) {
	s := &Searcher{
		catalog:      c,
		materializer: m,
		concurrency:  runtime.NumCPU(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		reg, err := mask.DefaultRegistry()
		if err != nil {
			return nil, err
		}
		s.registry = reg
	}
	return s, nil
}

// Search queries the catalogue, renders and masks every image over the
// query grid, and keeps those whose usable fraction reaches the threshold,
// ordered by acquisition time. It returns errs.ErrEmptyResult when nothing
// qualifies.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Scene, error) {
	if q.Region.IsZero() {
		return nil, fmt.Errorf("search: region must be provided")
	}
	if q.MinUsableFraction < 0 || q.MinUsableFraction > 1 {
		return nil, fmt.Errorf("search: min usable fraction %v outside [0, 1]", q.MinUsableFraction)
	}
	params := q.Params()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	images, err := s.catalog.QueryCollection(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no %s images between %s and %s", errs.ErrEmptyResult,
			q.Collection, params.Start.Format(time.DateOnly), params.EndTime().Format(time.DateOnly))
	}

	return s.Scenes(ctx, images, q)
}

// Scenes renders and masks the given images over the query grid, keeps those
// whose usable fraction reaches the threshold and orders them by acquisition
// time, then ID. The query's time range and collection filters are not
// applied; Collection, when empty, is taken from the first image.
func (s *Searcher) Scenes(ctx context.Context, images []model.Image, q Query) ([]Scene, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images given", errs.ErrEmptyResult)
	}
	spec, err := s.bind(q, images[0])
	if err != nil {
		return nil, err
	}

	scenes := make([]*Scene, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			scene, err := s.scene(gctx, img, spec, q.Region)
			if err != nil {
				return fmt.Errorf("search: %s: %w", img.ID, err)
			}
			scenes[i] = scene
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Scene
	for _, sc := range scenes {
		if sc.Stats.UsableFraction < q.MinUsableFraction {
			s.logger.Debug("image below usable threshold",
				slog.String("image", sc.Image.ID),
				slog.Float64("usable", sc.Stats.UsableFraction))
			continue
		}
		out = append(out, *sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %d images has a usable fraction of at least %.2f",
			errs.ErrEmptyResult, len(images), q.MinUsableFraction)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Image, out[j].Image
		if !a.Acquired.Equal(b.Acquired) {
			return a.Acquired.Before(b.Acquired)
		}
		return a.ID < b.ID
	})
	s.logger.Info("images masked",
		slog.String("crs", spec.CRS),
		slog.Int("found", len(images)),
		slog.Int("kept", len(out)))
	return out, nil
}

func (s *Searcher) scene(ctx context.Context, img model.Image, spec raster.Spec, region model.Region) (*Scene, error) {
	pixels, err := s.materializer.Materialize(ctx, img, spec)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.ProviderFor(img).ComputeMask(ctx, img, pixels)
	if err != nil {
		return nil, err
	}
	sc := &Scene{Image: img, Raster: pixels, Mask: m}
	sc.Stats.UsableFraction = mask.UsableFraction(m, region)
	if scores := mask.ValidScores(m); len(scores) > 0 {
		mean, err := stats.Mean(scores)
		if err == nil {
			sc.Stats.MeanScore = mean
			sc.Stats.HasScore = true
		}
	}
	return sc, nil
}

// bind resolves the rendered bands and the output grid.
func (s *Searcher) bind(q Query, first model.Image) (raster.Spec, error) {
	bands, err := s.bandSpecs(q, first)
	if err != nil {
		return raster.Spec{}, err
	}
	return raster.Bind(q.Region, q.CRS, q.Scale, bands, q.NoData)
}

func (s *Searcher) bandSpecs(q Query, first model.Image) ([]raster.BandSpec, error) {
	name := q.Collection.String()
	if name == "" {
		name = first.Collection
	}
	coll, known := s.registry.Collection(name)
	if !known {
		coll = mask.Collection{Name: name, Bands: first.Bands}
	}
	if len(q.Bands) == 0 {
		return coll.BandSpecs()
	}
	names := append([]string(nil), q.Bands...)
	for _, b := range coll.MaskBands() {
		if !contains(names, b) {
			names = append(names, b)
		}
	}
	return coll.BandSpecs(names...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

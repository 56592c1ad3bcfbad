// Package composite selects, per pixel, one observation from a time series
// of co-registered images.
package composite

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

// Metadata keys written to composites.
const (
	MetaID              = "COMPOSITE_ID"
	MetaMethod          = "COMPOSITE_METHOD"
	MetaComponentImages = "COMPONENT_IMAGES"
	metaSourcePrefix    = "SOURCE_"
)

// NoSource marks provenance pixels that no input covered.
const NoSource = -1

// Input is one image of the series with its pixels over the common grid.
type Input struct {
	Image  model.Image
	Pixels *raster.Raster
	// Mask may be nil, meaning every pixel is valid.
	Mask *mask.Mask
}

// Options control a composite.
type Options struct {
	Method Method
	// Selector is required when Method is Custom.
	Selector Selector
	// QualityBand names the band q-mosaic maximises. Empty means the mask score.
	QualityBand string
	// Bands restricts the medoid distance to these bands. Empty means all.
	Bands []string
	// Concurrency bounds the number of rows composited at once.
	Concurrency int
	// Collection overrides the collection used in the composite ID.
	Collection string
}

// Result is a composite and its provenance.
type Result struct {
	ID     string
	Raster *raster.Raster
	// Provenance is a single int32 band holding the index of the source input
	// per pixel, or NoSource.
	Provenance *raster.Raster
	Sources    []model.Image
	Metadata   map[string]string
}

// Composite combines inputs with the configured method. Output samples are
// copied unchanged from the selected input.
func Composite(ctx context.Context, inputs []Input, opts Options) (*Result, error) {
	if len(inputs) == 0 {
		return nil, errs.ErrEmptyInput
	}
	spec, err := checkGrid(inputs)
	if err != nil {
		return nil, err
	}
	sel, err := selectorFor(opts)
	if err != nil {
		return nil, err
	}
	plan, err := newPlan(inputs, spec, opts)
	if err != nil {
		return nil, err
	}

	out := raster.NewFilled(spec)
	prov := raster.NewFilled(ProvenanceSpec(spec))

	workers := opts.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for row := 0; row < spec.Height; row++ {
		if gctx.Err() != nil {
			break
		}
		r := row
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			plan.compositeRow(r, sel, out, prov)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Cancelled(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}

	res := &Result{Raster: out, Provenance: prov, Sources: make([]model.Image, len(inputs))}
	for i, in := range inputs {
		res.Sources[i] = in.Image
	}
	res.ID = compositeID(opts, inputs)
	res.Metadata = metadata(res, opts.Method)
	return res, nil
}

// ProvenanceSpec is the grid of the provenance layer for spec.
func ProvenanceSpec(spec raster.Spec) raster.Spec {
	p := spec
	p.Bands = []raster.BandSpec{{Name: "PROVENANCE", DType: raster.Int32, Description: "index of the source image"}}
	p.NoData = NoSource
	return p
}

func checkGrid(inputs []Input) (raster.Spec, error) {
	if inputs[0].Pixels == nil {
		return raster.Spec{}, fmt.Errorf("%w: input 0 has no pixels", errs.ErrGridMismatch)
	}
	spec := inputs[0].Pixels.Spec
	for i, in := range inputs {
		if in.Pixels == nil {
			return raster.Spec{}, fmt.Errorf("%w: input %d has no pixels", errs.ErrGridMismatch, i)
		}
		if !in.Pixels.Spec.SameGrid(spec) {
			return raster.Spec{}, fmt.Errorf("%w: input %d (%s) differs from input 0", errs.ErrGridMismatch, i, in.Image.ID)
		}
		if in.Mask != nil && (in.Mask.Width != spec.Width || in.Mask.Height != spec.Height) {
			return raster.Spec{}, fmt.Errorf("%w: mask of input %d is %dx%d, grid is %dx%d",
				errs.ErrGridMismatch, i, in.Mask.Width, in.Mask.Height, spec.Width, spec.Height)
		}
	}
	return spec, nil
}

// plan holds everything a row worker reads. It is never written after
// construction.
type plan struct {
	inputs  []Input
	spec    raster.Spec
	quality func(input, pixel int) float64
	bands   []int
}

func newPlan(inputs []Input, spec raster.Spec, opts Options) (*plan, error) {
	p := &plan{inputs: inputs, spec: spec}
	if len(opts.Bands) == 0 {
		for i := range spec.Bands {
			p.bands = append(p.bands, i)
		}
	} else {
		for _, name := range opts.Bands {
			i := spec.BandIndex(name)
			if i < 0 {
				return nil, fmt.Errorf("composite: band %q not in inputs", name)
			}
			p.bands = append(p.bands, i)
		}
	}
	if opts.Method != QMosaic && opts.QualityBand == "" {
		return p, nil
	}
	if opts.QualityBand != "" {
		b := spec.BandIndex(opts.QualityBand)
		if b < 0 {
			return nil, fmt.Errorf("composite: quality band %q not in inputs", opts.QualityBand)
		}
		p.quality = func(input, pixel int) float64 {
			return inputs[input].Pixels.Value(b, pixel)
		}
		return p, nil
	}
	for i, in := range inputs {
		if in.Mask == nil || in.Mask.Score == nil {
			return nil, fmt.Errorf("composite: q-mosaic needs a quality band or a mask score for input %d", i)
		}
	}
	p.quality = func(input, pixel int) float64 {
		return float64(inputs[input].Mask.Score[pixel])
	}
	return p, nil
}

func (p *plan) valid(input, pixel int) bool {
	m := p.inputs[input].Mask
	return m == nil || m.Valid[pixel]
}

func (p *plan) compositeRow(row int, sel Selector, out, prov *raster.Raster) {
	obs := make([]Observation, 0, len(p.inputs))
	values := make([]float64, len(p.inputs)*len(p.bands))
	base := row * p.spec.Width
	for col := 0; col < p.spec.Width; col++ {
		pixel := base + col
		obs = obs[:0]
		for i := range p.inputs {
			if !p.valid(i, pixel) {
				continue
			}
			o := Observation{Input: i, Values: values[i*len(p.bands) : (i+1)*len(p.bands)]}
			for k, b := range p.bands {
				o.Values[k] = p.inputs[i].Pixels.Value(b, pixel)
			}
			if p.quality != nil {
				o.Quality = p.quality(i, pixel)
			}
			obs = append(obs, o)
		}
		if len(obs) == 0 {
			continue
		}
		k := sel.Select(obs)
		if k < 0 || k >= len(obs) {
			continue
		}
		src := obs[k].Input
		for b := range out.Bands {
			copy(out.Sample(b, pixel), p.inputs[src].Pixels.Sample(b, pixel))
		}
		prov.SetValue(0, pixel, float64(src))
	}
}

func compositeID(opts Options, inputs []Input) string {
	coll := opts.Collection
	if coll == "" {
		coll = inputs[0].Image.Collection
	}
	var times []time.Time
	for _, in := range inputs {
		if !in.Image.Acquired.IsZero() {
			times = append(times, in.Image.Acquired.UTC())
		}
	}
	method := strings.ToUpper(strings.ReplaceAll(opts.Method.String(), "-", "_"))
	if len(times) == 0 {
		if coll == "" {
			return method + "_COMP"
		}
		return coll + "/" + method + "_COMP"
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	span := times[0].Format("2006_01_02") + "-" + times[len(times)-1].Format("2006_01_02")
	if coll != "" {
		span = coll + "/" + span
	}
	return span + "-" + method + "_COMP"
}

func metadata(res *Result, method Method) map[string]string {
	meta := map[string]string{
		MetaID:     res.ID,
		MetaMethod: method.String(),
	}
	ids := make([]string, len(res.Sources))
	for i, img := range res.Sources {
		ids[i] = img.ID
		meta[metaSourcePrefix+strconv.Itoa(i)] = img.ID
	}
	meta[MetaComponentImages] = strings.Join(ids, ",")
	return meta
}

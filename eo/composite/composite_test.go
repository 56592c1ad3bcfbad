package composite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

func gridSpec(width, height int, bands ...raster.BandSpec) raster.Spec {
	if len(bands) == 0 {
		bands = []raster.BandSpec{{Name: "B1", DType: raster.Uint16}}
	}
	return raster.Spec{
		CRS:       "EPSG:32633",
		Scale:     10,
		Width:     width,
		Height:    height,
		Transform: raster.NorthUp(0, 100, 10),
		Bands:     bands,
	}
}

func input(t *testing.T, id string, spec raster.Spec, valid []bool, values ...float64) Input {
	t.Helper()
	r := raster.New(spec)
	for i, v := range values {
		r.SetValue(0, i, v)
	}
	in := Input{Image: model.Image{ID: id, Collection: "LANDSAT/LC08/C02/T1_L2"}, Pixels: r}
	if valid != nil {
		m := mask.New(spec)
		copy(m.Valid, valid)
		in.Mask = m
	}
	return in
}

func provenance(res *Result, i int) int {
	return int(res.Provenance.Value(0, i))
}

func TestMosaicPrefersInputOrder(t *testing.T) {
	spec := gridSpec(3, 1)
	a := input(t, "A", spec, []bool{true, false, false}, 10, 11, 12)
	b := input(t, "B", spec, []bool{true, true, false}, 20, 21, 22)
	res, err := Composite(context.Background(), []Input{a, b}, Options{Method: Mosaic})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if res.Raster.Value(0, 0) != 10 || provenance(res, 0) != 0 {
		t.Fatalf("pixel 0 should come from A")
	}
	if res.Raster.Value(0, 1) != 21 || provenance(res, 1) != 1 {
		t.Fatalf("pixel 1 should come from B")
	}
	if !res.Raster.IsNoData(0, 2) || provenance(res, 2) != NoSource {
		t.Fatalf("pixel 2 should be nodata")
	}
}

func TestQMosaicTiesFollowInputOrder(t *testing.T) {
	spec := gridSpec(3, 1)
	a := input(t, "A", spec, []bool{true, true, true}, 1, 1, 1)
	b := input(t, "B", spec, []bool{true, true, true}, 2, 2, 2)
	a.Mask.Score = []float32{100, 500, 5000}
	b.Mask.Score = []float32{200, 500, 4000}
	res, err := Composite(context.Background(), []Input{a, b}, Options{Method: QMosaic})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	want := []int{1, 0, 0}
	for i, w := range want {
		if provenance(res, i) != w {
			t.Fatalf("pixel %d from input %d, want %d", i, provenance(res, i), w)
		}
	}
}

func TestQMosaicQualityBand(t *testing.T) {
	bands := []raster.BandSpec{{Name: "B1", DType: raster.Uint16}, {Name: "SCORE", DType: raster.Float32}}
	spec := gridSpec(1, 1, bands...)
	a := input(t, "A", spec, nil, 7)
	a.Pixels.SetValue(1, 0, 10)
	b := input(t, "B", spec, nil, 8)
	b.Pixels.SetValue(1, 0, 30)
	res, err := Composite(context.Background(), []Input{a, b}, Options{Method: QMosaic, QualityBand: "SCORE"})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if res.Raster.Value(0, 0) != 8 || res.Raster.Value(1, 0) != 30 {
		t.Fatalf("expected B selected by quality band")
	}
}

func TestQMosaicWithoutQuality(t *testing.T) {
	spec := gridSpec(1, 1)
	a := input(t, "A", spec, []bool{true}, 1)
	if _, err := Composite(context.Background(), []Input{a}, Options{Method: QMosaic}); err == nil {
		t.Fatalf("expected error without a quality source")
	}
}

func TestMedoidSelectsCentralValue(t *testing.T) {
	spec := gridSpec(2, 1)
	a := input(t, "A", spec, []bool{true, true}, 1, 5)
	b := input(t, "B", spec, []bool{true, false}, 2, 6)
	c := input(t, "C", spec, []bool{true, false}, 100, 7)
	res, err := Composite(context.Background(), []Input{a, b, c}, Options{Method: Medoid})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if res.Raster.Value(0, 0) != 2 || provenance(res, 0) != 1 {
		t.Fatalf("medoid of [1 2 100] should be 2, got %v", res.Raster.Value(0, 0))
	}
	if res.Raster.Value(0, 1) != 5 || provenance(res, 1) != 0 {
		t.Fatalf("single valid observation should be selected")
	}
}

func TestMedoidMultiBand(t *testing.T) {
	bands := []raster.BandSpec{{Name: "R", DType: raster.Int16}, {Name: "N", DType: raster.Int16}, {Name: "QA", DType: raster.Uint16}}
	spec := gridSpec(1, 1, bands...)
	var inputs []Input
	for i, v := range [][3]float64{{0, 0, 9999}, {3, 4, 0}, {6, 8, 1}} {
		in := input(t, string(rune('A'+i)), spec, nil)
		for b := range v {
			in.Pixels.SetValue(b, 0, v[b])
		}
		inputs = append(inputs, in)
	}
	res, err := Composite(context.Background(), inputs, Options{Method: Medoid, Bands: []string{"R", "N"}})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if provenance(res, 0) != 1 {
		t.Fatalf("expected the middle observation, got %d", provenance(res, 0))
	}
	if _, err := Composite(context.Background(), inputs, Options{Method: Medoid, Bands: []string{"X"}}); err == nil {
		t.Fatalf("expected error for unknown band")
	}
}

func TestCustomSelector(t *testing.T) {
	spec := gridSpec(2, 1)
	a := input(t, "A", spec, nil, 1, 1)
	b := input(t, "B", spec, nil, 2, 2)
	last := SelectorFunc(func(obs []Observation) int { return len(obs) - 1 })
	res, err := Composite(context.Background(), []Input{a, b}, Options{Method: Custom, Selector: last})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if provenance(res, 0) != 1 || provenance(res, 1) != 1 {
		t.Fatalf("custom selector ignored")
	}
	if _, err := Composite(context.Background(), []Input{a}, Options{Method: Custom}); err == nil {
		t.Fatalf("expected error without selector")
	}
}

func TestCompositeStructuralErrors(t *testing.T) {
	if _, err := Composite(context.Background(), nil, Options{}); !errors.Is(err, errs.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	a := input(t, "A", gridSpec(2, 2), nil, 1, 2, 3, 4)
	b := input(t, "B", gridSpec(2, 1), nil, 1, 2)
	if _, err := Composite(context.Background(), []Input{a, b}, Options{}); !errors.Is(err, errs.ErrGridMismatch) {
		t.Fatalf("expected ErrGridMismatch, got %v", err)
	}
	c := input(t, "C", gridSpec(2, 2), nil, 1, 2, 3, 4)
	c.Mask = mask.New(gridSpec(1, 1))
	if _, err := Composite(context.Background(), []Input{a, c}, Options{}); !errors.Is(err, errs.ErrGridMismatch) {
		t.Fatalf("expected ErrGridMismatch for mask, got %v", err)
	}
}

func TestCompositeIndependentOfParallelism(t *testing.T) {
	spec := gridSpec(31, 17)
	var inputs []Input
	for k := 0; k < 5; k++ {
		valid := make([]bool, spec.Pixels())
		values := make([]float64, spec.Pixels())
		for i := range values {
			values[i] = float64((i*7919 + k*104729) % 1000)
			valid[i] = (i+k)%3 != 0
		}
		inputs = append(inputs, input(t, string(rune('A'+k)), spec, valid, values...))
	}
	for _, method := range []Method{Mosaic, Medoid} {
		serial, err := Composite(context.Background(), inputs, Options{Method: method, Concurrency: 1})
		if err != nil {
			t.Fatalf("Composite: %v", err)
		}
		parallel, err := Composite(context.Background(), inputs, Options{Method: method, Concurrency: 8})
		if err != nil {
			t.Fatalf("Composite: %v", err)
		}
		if !bytes.Equal(serial.Raster.Bands[0], parallel.Raster.Bands[0]) ||
			!bytes.Equal(serial.Provenance.Bands[0], parallel.Provenance.Bands[0]) {
			t.Fatalf("%s differs between serial and parallel runs", method)
		}
	}
}

func TestCompositeCancelled(t *testing.T) {
	spec := gridSpec(4, 4)
	a := input(t, "A", spec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Composite(ctx, []Input{a}, Options{}); !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestCompositeIdentity(t *testing.T) {
	spec := gridSpec(1, 1)
	a := input(t, "LANDSAT/LC08/C02/T1_L2/LC08_1", spec, nil, 1)
	a.Image.Acquired = time.Date(2021, 5, 3, 10, 0, 0, 0, time.UTC)
	b := input(t, "LANDSAT/LC08/C02/T1_L2/LC08_2", spec, nil, 2)
	b.Image.Acquired = time.Date(2021, 4, 17, 10, 0, 0, 0, time.UTC)
	a.Mask, b.Mask = mask.New(spec), mask.New(spec)
	a.Mask.Score, b.Mask.Score = []float32{1}, []float32{2}
	res, err := Composite(context.Background(), []Input{a, b}, Options{Method: QMosaic})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	want := "LANDSAT/LC08/C02/T1_L2/2021_04_17-2021_05_03-Q_MOSAIC_COMP"
	if res.ID != want {
		t.Fatalf("ID %q, want %q", res.ID, want)
	}
	if res.Metadata[MetaComponentImages] != a.Image.ID+","+b.Image.ID || res.Metadata["SOURCE_1"] != b.Image.ID {
		t.Fatalf("unexpected metadata %v", res.Metadata)
	}
	if m, err := ParseMethod("q_mosaic"); err != nil || m != QMosaic {
		t.Fatalf("ParseMethod: %v %v", m, err)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/go-eomosaic/eo/composite"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/search"
)

func testScenes() []search.Scene {
	return []search.Scene{
		{
			Image: model.Image{ID: "LANDSAT/LC08/C02/T1_L2/LC08_1", Acquired: time.Date(2021, 5, 8, 18, 30, 0, 0, time.UTC)},
			Stats: search.Stats{UsableFraction: 0.875, MeanScore: 1234.4, HasScore: true},
		},
		{
			Image: model.Image{ID: "MODIS/061/MCD43A4/2021_05_09"},
			Stats: search.Stats{UsableFraction: 1},
		},
	}
}

func TestPrintScenesTable(t *testing.T) {
	var buf bytes.Buffer
	printScenesTable(&buf, testScenes())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID DATE USABLE SCORE" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "2021-05-08 18:30") || !strings.Contains(lines[1], "87.5%") || !strings.HasSuffix(lines[1], "1234") {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "-") {
		t.Fatalf("scenes without a score should print a dash: %q", lines[2])
	}
}

func TestSummarizeOmitsMissingScore(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, summarize(testScenes())); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	var got []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got[0]["avg_score"] != 1234.4 || got[0]["usable_fraction"] != 0.875 {
		t.Fatalf("unexpected first summary %v", got[0])
	}
	if _, ok := got[1]["avg_score"]; ok {
		t.Fatalf("avg_score should be omitted without a score layer")
	}
}

func TestTrimStrings(t *testing.T) {
	got := trimStrings([]string{" SR_B4 ", "", "  ", "SR_B5"})
	if len(got) != 2 || got[0] != "SR_B4" || got[1] != "SR_B5" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestMedoidBandsFollowRenderedBands(t *testing.T) {
	registry, err := mask.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry returned error: %v", err)
	}
	coll, ok := registry.Collection("LANDSAT/LC08/C02/T1_L2")
	if !ok {
		t.Fatalf("landsat 8 missing from the catalogue")
	}
	// --bands SR_B4,SR_B5 renders those plus the mask bands.
	bands, err := coll.BandSpecs("SR_B4", "SR_B5", "QA_PIXEL", "SR_QA_AEROSOL")
	if err != nil {
		t.Fatalf("BandSpecs returned error: %v", err)
	}
	spec := raster.Spec{
		CRS: "EPSG:32633", Scale: 30, Width: 2, Height: 1,
		Transform: raster.NorthUp(300000, 5000000, 30),
		Bands:     bands,
	}

	got := availableBands(coll.MedoidBands, spec)
	if strings.Join(got, ",") != "SR_B4,SR_B5" {
		t.Fatalf("unexpected medoid bands %v", got)
	}
	if got := availableBands([]string{"SR_B2", "SR_B3"}, spec); got != nil {
		t.Fatalf("expected nil when no preferred band was rendered, got %v", got)
	}

	var inputs []composite.Input
	for i, v := range []float64{100, 200, 150} {
		r := raster.New(spec)
		for b := range spec.Bands {
			r.SetValue(b, 0, v)
			r.SetValue(b, 1, v)
		}
		inputs = append(inputs, composite.Input{Image: model.Image{ID: string(rune('a' + i))}, Pixels: r})
	}
	res, err := composite.Composite(context.Background(), inputs, composite.Options{Method: composite.Medoid, Bands: got})
	if err != nil {
		t.Fatalf("Composite returned error: %v", err)
	}
	if v := res.Raster.Value(0, 0); v != 150 {
		t.Fatalf("expected medoid 150, got %v", v)
	}
}

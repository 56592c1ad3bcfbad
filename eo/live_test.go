//go:build live

package eo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/example/go-eomosaic/eo"
	"github.com/example/go-eomosaic/eo/mask"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/search"
	"github.com/example/go-eomosaic/eo/sink"
)

func TestLiveQueryAndDownload(t *testing.T) {
	token := firstNonEmpty(os.Getenv("EOMOSAIC_TOKEN"), os.Getenv("EOMOSAIC_LIVE_TOKEN"))
	if token == "" {
		t.Skip("EOMOSAIC_TOKEN not set; skipping live download test")
	}
	collection := firstNonEmpty(os.Getenv("EOMOSAIC_LIVE_COLLECTION"), "COPERNICUS/S2_SR")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	opts := []eo.Option{eo.WithAuthToken(token)}
	if base := os.Getenv("EOMOSAIC_BASE_URL"); base != "" {
		opts = append(opts, eo.WithBaseURL(base))
	}
	client, err := eo.NewClient(opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	region, err := model.BBox(500000, 4000000, 500640, 4000640, "EPSG:32633")
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	params := search.ParamsBuilder().
		Collection(search.Collection(collection)).
		StartTime(start).
		EndTime(start.AddDate(0, 1, 0)).
		Region(region).
		MaxResults(1).
		Build()

	iter, err := client.Query(params)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !iter.Next(ctx) {
		if err := iter.Err(); err != nil {
			t.Fatalf("iteration error: %v", err)
		}
		t.Skip("no images returned from live query")
	}
	img := iter.Image()

	registry, err := mask.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	coll, ok := registry.Collection(img.Collection)
	if !ok {
		t.Skipf("collection %q not in the catalogue", img.Collection)
	}
	bands, err := coll.BandSpecs(coll.MaskBands()...)
	if err != nil {
		t.Fatalf("band specs: %v", err)
	}
	spec, err := raster.Bind(region, "EPSG:32633", 20, bands, 0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	dst := sink.NewMemory()
	if _, err := client.Download(ctx, img, spec, dst); err != nil {
		t.Fatalf("download: %v", err)
	}
	r := dst.Raster()
	if r == nil || r.Spec.Width != spec.Width || r.Spec.Height != spec.Height {
		t.Fatalf("unexpected raster: %+v", r)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

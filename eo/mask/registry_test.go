package mask

import (
	"context"
	"testing"

	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	names := r.Names()
	if len(names) != 6 {
		t.Fatalf("expected 6 collections, got %v", names)
	}

	scored, ok := r.Provider("LANDSAT/LC08/C02/T1_L2").(*Scored)
	if !ok {
		t.Fatalf("landsat 8 provider should be scored, got %T", r.Provider("LANDSAT/LC08/C02/T1_L2"))
	}
	if _, ok := scored.Provider.(*BitMask); !ok || scored.MaxDistance != 5000 {
		t.Fatalf("unexpected landsat provider %+v", scored)
	}
	if _, ok := r.Provider("modis_nbar").(NoOp); !ok {
		t.Fatalf("modis should not be masked")
	}
	if _, ok := r.Provider("unknown/collection").(NoOp); !ok {
		t.Fatalf("unknown collections should get NoOp")
	}

	s2, ok := r.Collection("COPERNICUS/S2_SR")
	if !ok || s2.Name != "sentinel2_sr" || len(s2.Bands) != 13 {
		t.Fatalf("unexpected sentinel2_sr collection %+v", s2)
	}
	specs, err := s2.BandSpecs("B4", "QA60")
	if err != nil {
		t.Fatalf("BandSpecs: %v", err)
	}
	if specs[0].DType != raster.Uint16 || specs[1].Name != "QA60" {
		t.Fatalf("unexpected band specs %+v", specs)
	}
	if _, err := s2.BandSpecs("B99"); err == nil {
		t.Fatalf("expected error for unknown band")
	}

	prob, _ := r.Collection("sentinel2_sr_cloudprob")
	if got := prob.MaskBands(); len(got) != 1 || got[0] != "probability" {
		t.Fatalf("unexpected mask bands %v", got)
	}
}

func TestRegistryProviderForImage(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	img := model.Image{ID: "COPERNICUS/S2/20200101T000000_20200101T000000_T10SEG"}
	if _, ok := r.ProviderFor(img).(*Scored); !ok {
		t.Fatalf("expected scored provider derived from the image id")
	}

	called := false
	r.Register("COPERNICUS/S2", ProviderFunc(func(ctx context.Context, img model.Image, pixels *raster.Raster) (*Mask, error) {
		called = true
		return New(pixels.Spec), nil
	}))
	pixels := raster.New(raster.Spec{Width: 1, Height: 1, Bands: []raster.BandSpec{{Name: "B1", DType: raster.Uint8}}})
	if _, err := r.ProviderFor(img).ComputeMask(context.Background(), img, pixels); err != nil || !called {
		t.Fatalf("registered provider not used (err %v)", err)
	}
}

func TestRegistryRejectsAmbiguousMask(t *testing.T) {
	r := NewRegistry()
	err := r.AddCollection(Collection{
		Name: "bad",
		Mask: MaskDef{Rules: []Rule{{Band: "QA", Kind: KindCloud, Value: "1"}}, Expression: "QA == 0"},
	})
	if err == nil {
		t.Fatalf("expected error when both rules and expression are set")
	}
}

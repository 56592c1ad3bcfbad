package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

func testSpec() raster.Spec {
	return raster.Spec{
		CRS: "EPSG:32633", Scale: 10, Width: 4, Height: 4,
		Transform: raster.NorthUp(100, 400, 10),
		Bands:     []raster.BandSpec{{Name: "B1", DType: raster.Uint16}},
		NoData:    0,
	}
}

func tileOf(spec raster.Spec, w raster.Window, value float64) *raster.Raster {
	r := raster.New(spec.Sub(w))
	r.Fill(value)
	return r
}

func writeQuadrants(t *testing.T, s Sink, skip int) raster.Spec {
	t.Helper()
	ctx := context.Background()
	spec := testSpec()
	if err := s.Begin(ctx, spec, map[string]string{"JOB": "j1"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	windows := []raster.Window{
		{Col: 0, Row: 0, Width: 2, Height: 2},
		{Col: 2, Row: 0, Width: 2, Height: 2},
		{Col: 0, Row: 2, Width: 2, Height: 2},
		{Col: 2, Row: 2, Width: 2, Height: 2},
	}
	for i, w := range windows {
		if i == skip {
			continue
		}
		if err := s.WriteWindow(ctx, w, tileOf(spec, w, float64(i+1))); err != nil {
			t.Fatalf("WriteWindow: %v", err)
		}
	}
	return spec
}

func TestMemorySink(t *testing.T) {
	m := NewMemory()
	writeQuadrants(t, m, -1)
	if _, err := m.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	r := m.Raster()
	want := []float64{1, 1, 2, 2, 1, 1, 2, 2, 3, 3, 4, 4, 3, 3, 4, 4}
	for i, v := range want {
		if r.Value(0, i) != v {
			t.Fatalf("pixel %d: got %v want %v", i, r.Value(0, i), v)
		}
	}
	if m.Metadata()["JOB"] != "j1" {
		t.Fatalf("metadata not kept: %v", m.Metadata())
	}
}

func TestWriteBeforeBegin(t *testing.T) {
	m := NewMemory()
	err := m.WriteWindow(context.Background(), raster.Window{Width: 1, Height: 1}, nil)
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestFileCommitIsAtomic(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out", "scene.tif")
	f := NewFile(dest)
	writeQuadrants(t, f, -1)
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("destination should not exist before commit")
	}
	loc, err := f.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if loc != dest {
		t.Fatalf("unexpected location %s", loc)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	r, info, err := geotiff.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Value(0, 15) != 4 || info.Metadata["JOB"] != "j1" {
		t.Fatalf("unexpected file contents")
	}
}

func TestFilePartialAndResume(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "scene.tif")
	f := NewFile(dest)
	spec := writeQuadrants(t, f, 3)
	failed := []raster.Window{{Col: 2, Row: 2, Width: 2, Height: 2}}
	loc, err := f.CommitPartial(context.Background(), failed)
	if err != nil {
		t.Fatalf("CommitPartial: %v", err)
	}
	if loc != filepath.Join(filepath.Dir(dest), "scene.incomplete.tif") {
		t.Fatalf("unexpected partial location %s", loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	_, info, err := geotiff.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Metadata[MetaIncomplete] != "true" || info.Metadata[MetaFailedWindows] != "2x2+2+2" {
		t.Fatalf("partial flags missing: %v", info.Metadata)
	}

	resumed := NewFile(dest)
	if err := resumed.Resume(context.Background(), spec, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := resumed.WriteWindow(context.Background(), failed[0], tileOf(spec, failed[0], 4)); err != nil {
		t.Fatalf("WriteWindow: %v", err)
	}
	if _, err := resumed.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(loc); !os.IsNotExist(err) {
		t.Fatalf("incomplete file should be removed after a full commit")
	}
	data, _ = os.ReadFile(dest)
	r, _, err := geotiff.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Value(0, 0) != 1 || r.Value(0, 15) != 4 {
		t.Fatalf("resumed raster incomplete")
	}
}

type mockUploader struct {
	input *s3.PutObjectInput
	body  []byte
	cfg   aws.Config
}

func (m *mockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	copied := *input
	m.input = &copied
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.body = body
	return &manager.UploadOutput{}, nil
}

func TestS3Commit(t *testing.T) {
	s := NewS3("exports", "/runs/scene.tif", S3Config{AccessKeyID: "AKIA", SecretAccessKey: "SECRET"})
	mock := &mockUploader{}
	s.newUploader = func(cfg aws.Config, _ S3Config) s3Uploader {
		mock.cfg = cfg
		return mock
	}
	writeQuadrants(t, s, -1)
	loc, err := s.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if loc != "s3://exports/runs/scene.tif" {
		t.Fatalf("unexpected location %s", loc)
	}
	if got := aws.ToString(mock.input.Bucket); got != "exports" {
		t.Fatalf("unexpected bucket %s", got)
	}
	if got := aws.ToString(mock.input.Key); got != "runs/scene.tif" {
		t.Fatalf("unexpected key %s", got)
	}
	if mock.cfg.Region != defaultS3Region || mock.cfg.Credentials == nil {
		t.Fatalf("unexpected aws config %+v", mock.cfg)
	}
	if _, _, err := geotiff.Decode(mock.body); err != nil {
		t.Fatalf("uploaded body is not a GeoTIFF: %v", err)
	}
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestGCSCommit(t *testing.T) {
	g := NewGCS("bucket", "dir/scene.tif")
	buf := &bufferCloser{}
	var gotBucket, gotObject string
	g.newWriter = func(ctx context.Context, bucket, object string) (io.WriteCloser, error) {
		gotBucket, gotObject = bucket, object
		return buf, nil
	}
	writeQuadrants(t, g, -1)
	loc, err := g.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if loc != "gs://bucket/dir/scene.tif" || gotBucket != "bucket" || gotObject != "dir/scene.tif" {
		t.Fatalf("unexpected destination %s (%s/%s)", loc, gotBucket, gotObject)
	}
	if !buf.closed {
		t.Fatalf("writer not closed")
	}
	if _, _, err := geotiff.Decode(buf.Bytes()); err != nil {
		t.Fatalf("written object is not a GeoTIFF: %v", err)
	}
}

func TestOpen(t *testing.T) {
	cases := map[string]string{
		"s3://b/k.tif":   "*sink.S3",
		"gs://b/o.tif":   "*sink.GCS",
		"/tmp/local.tif": "*sink.File",
	}
	for dest, want := range cases {
		s, err := Open(dest, geotiff.Deflate, S3Config{})
		if err != nil {
			t.Fatalf("Open(%s): %v", dest, err)
		}
		var got string
		switch s.(type) {
		case *S3:
			got = "*sink.S3"
		case *GCS:
			got = "*sink.GCS"
		case *File:
			got = "*sink.File"
		}
		if got != want {
			t.Fatalf("Open(%s) = %s, want %s", dest, got, want)
		}
	}
	if _, err := Open("s3://bucket-only", geotiff.Deflate, S3Config{}); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

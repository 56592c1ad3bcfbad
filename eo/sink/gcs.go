package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

type objectWriterFactory func(ctx context.Context, bucket, object string) (io.WriteCloser, error)

// GCS uploads the finished GeoTIFF to a Cloud Storage bucket.
type GCS struct {
	canvas
	Bucket      string
	Object      string
	Compression geotiff.Compression

	newWriter objectWriterFactory
}

// NewGCS returns a sink writing gs://bucket/object using application
// default credentials.
func NewGCS(bucket, object string) *GCS {
	return &GCS{
		Bucket:      bucket,
		Object:      object,
		Compression: geotiff.Deflate,
		newWriter:   defaultGCSWriter,
	}
}

type gcsWriter struct {
	*storage.Writer
	client *storage.Client
}

func (w gcsWriter) Close() error {
	err := w.Writer.Close()
	if cerr := w.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func defaultGCSWriter(ctx context.Context, bucket, object string) (io.WriteCloser, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("sink: create storage client: %w", err)
	}
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "image/tiff"
	return gcsWriter{Writer: w, client: client}, nil
}

// Begin implements Sink.
func (g *GCS) Begin(_ context.Context, spec raster.Spec, meta map[string]string) error {
	if g.Bucket == "" || g.Object == "" {
		return errors.New("sink: gcs bucket and object required")
	}
	return g.begin(spec, meta)
}

// WriteWindow implements Sink.
func (g *GCS) WriteWindow(_ context.Context, w raster.Window, tile *raster.Raster) error {
	return g.write(w, tile)
}

// Commit streams the encoded raster to the object. The object only becomes
// visible once the writer closes successfully.
func (g *GCS) Commit(ctx context.Context) (string, error) {
	r, meta, err := g.take()
	if err != nil {
		return "", err
	}
	w, err := g.newWriter(ctx, g.Bucket, g.Object)
	if err != nil {
		return "", err
	}
	if err := geotiff.Encode(w, r, geotiff.Options{Compression: g.Compression, Metadata: meta}); err != nil {
		w.Close()
		return "", fmt.Errorf("sink: write gs://%s/%s: %w", g.Bucket, g.Object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("sink: finalise gs://%s/%s: %w", g.Bucket, g.Object, err)
	}
	return "gs://" + g.Bucket + "/" + g.Object, nil
}

// Abort implements Sink.
func (g *GCS) Abort(context.Context) error {
	g.reset()
	return nil
}

package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

// Metadata keys written alongside the pixels.
const (
	MetaIncomplete    = "INCOMPLETE"
	MetaFailedWindows = "FAILED_WINDOWS"
)

// File writes a GeoTIFF to the local filesystem. The file only appears at
// Path once it is complete.
type File struct {
	canvas
	Path        string
	Compression geotiff.Compression
}

// NewFile returns a file sink using deflate compression.
func NewFile(path string) *File {
	return &File{Path: path, Compression: geotiff.Deflate}
}

// IncompletePath is where CommitPartial writes.
func (f *File) IncompletePath() string {
	ext := filepath.Ext(f.Path)
	return strings.TrimSuffix(f.Path, ext) + ".incomplete" + ext
}

// Begin implements Sink.
func (f *File) Begin(_ context.Context, spec raster.Spec, meta map[string]string) error {
	if f.Path == "" {
		return errors.New("sink: destination path required")
	}
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sink: create destination directory: %w", err)
		}
	}
	return f.begin(spec, meta)
}

// Resume reloads an incomplete file left by CommitPartial so that only the
// missing windows need to be written again.
func (f *File) Resume(_ context.Context, spec raster.Spec, meta map[string]string) error {
	data, err := os.ReadFile(f.IncompletePath())
	if err != nil {
		return fmt.Errorf("sink: read incomplete file: %w", err)
	}
	prev, _, err := geotiff.Decode(data)
	if err != nil {
		return fmt.Errorf("sink: decode incomplete file: %w", err)
	}
	if prev.Spec.Width != spec.Width || prev.Spec.Height != spec.Height || len(prev.Spec.Bands) != len(spec.Bands) {
		return fmt.Errorf("sink: incomplete file does not match the requested grid")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	r := raster.New(spec)
	for b, band := range spec.Bands {
		if prev.Spec.Bands[b].DType == band.DType {
			copy(r.Bands[b], prev.Bands[b])
			continue
		}
		for i := 0; i < r.Pixels(); i++ {
			r.SetValue(b, i, prev.Value(b, i))
		}
	}
	f.load(r, meta)
	return nil
}

// WriteWindow implements Sink.
func (f *File) WriteWindow(_ context.Context, w raster.Window, tile *raster.Raster) error {
	return f.write(w, tile)
}

// Commit implements Sink.
func (f *File) Commit(context.Context) (string, error) {
	r, meta, err := f.take()
	if err != nil {
		return "", err
	}
	if err := f.writeAtomic(f.Path, r, meta); err != nil {
		return "", err
	}
	os.Remove(f.IncompletePath())
	return f.Path, nil
}

// CommitPartial writes the incomplete raster next to Path and flags it.
func (f *File) CommitPartial(_ context.Context, failed []raster.Window) (string, error) {
	r, meta, err := f.take()
	if err != nil {
		return "", err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetaIncomplete] = "true"
	windows := make([]string, len(failed))
	for i, w := range failed {
		windows[i] = w.String()
	}
	meta[MetaFailedWindows] = strings.Join(windows, ",")
	path := f.IncompletePath()
	if err := f.writeAtomic(path, r, meta); err != nil {
		return "", err
	}
	return path, nil
}

// Abort implements Sink.
func (f *File) Abort(context.Context) error {
	f.reset()
	return nil
}

func (f *File) writeAtomic(path string, r *raster.Raster, meta map[string]string) (err error) {
	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("sink: create temp file: %w", err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if err = geotiff.Encode(out, r, geotiff.Options{Compression: f.Compression, Metadata: meta}); err != nil {
		return fmt.Errorf("sink: encode: %w", err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("sink: sync file: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("sink: close file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sink: rename temp file: %w", err)
	}
	return nil
}

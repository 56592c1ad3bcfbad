package sink

import (
	"strings"

	"github.com/example/go-eomosaic/eo/geotiff"
)

// Open picks a sink from a destination string: s3://bucket/key,
// gs://bucket/object or a local path.
func Open(dest string, compression geotiff.Compression, s3cfg S3Config) (Sink, error) {
	switch {
	case strings.HasPrefix(dest, "s3://"):
		bucket, key, err := parseBucketURL(dest, "s3")
		if err != nil {
			return nil, err
		}
		s := NewS3(bucket, key, s3cfg)
		s.Compression = compression
		return s, nil
	case strings.HasPrefix(dest, "gs://"):
		bucket, object, err := parseBucketURL(dest, "gs")
		if err != nil {
			return nil, err
		}
		g := NewGCS(bucket, object)
		g.Compression = compression
		return g, nil
	}
	f := NewFile(dest)
	f.Compression = compression
	return f, nil
}

package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/go-eomosaic/eo/geotiff"
	"github.com/example/go-eomosaic/eo/raster"
)

const defaultS3Region = "us-west-2"

// S3Config holds the connection settings for S3 exports.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 uploads the finished GeoTIFF to an S3 bucket.
type S3 struct {
	canvas
	Bucket      string
	Key         string
	Compression geotiff.Compression

	cfg         S3Config
	newUploader func(aws.Config, S3Config) s3Uploader
}

// NewS3 returns a sink writing s3://bucket/key.
func NewS3(bucket, key string, cfg S3Config) *S3 {
	return &S3{
		Bucket:      bucket,
		Key:         strings.TrimPrefix(key, "/"),
		Compression: geotiff.Deflate,
		cfg:         cfg,
		newUploader: defaultS3Uploader,
	}
}

func defaultS3Uploader(awsCfg aws.Config, cfg S3Config) s3Uploader {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return manager.NewUploader(client)
}

func (s *S3) awsConfig() aws.Config {
	region := s.cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	cfg := aws.Config{Region: region}
	if s.cfg.AccessKeyID != "" {
		cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			s.cfg.AccessKeyID, s.cfg.SecretAccessKey, s.cfg.SessionToken))
	}
	return cfg
}

// Begin implements Sink.
func (s *S3) Begin(_ context.Context, spec raster.Spec, meta map[string]string) error {
	if s.Bucket == "" || s.Key == "" {
		return errors.New("sink: s3 bucket and key required")
	}
	return s.begin(spec, meta)
}

// WriteWindow implements Sink.
func (s *S3) WriteWindow(_ context.Context, w raster.Window, tile *raster.Raster) error {
	return s.write(w, tile)
}

// Commit encodes the raster and uploads it in one multipart transfer.
func (s *S3) Commit(ctx context.Context) (string, error) {
	r, meta, err := s.take()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := geotiff.Encode(&buf, r, geotiff.Options{Compression: s.Compression, Metadata: meta}); err != nil {
		return "", fmt.Errorf("sink: encode: %w", err)
	}
	uploader := s.newUploader(s.awsConfig(), s.cfg)
	out, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/tiff"),
	})
	if err != nil {
		return "", fmt.Errorf("sink: upload s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return "s3://" + s.Bucket + "/" + s.Key, nil
}

// Abort implements Sink. Nothing is uploaded before Commit.
func (s *S3) Abort(context.Context) error {
	s.reset()
	return nil
}

// parseBucketURL splits scheme://bucket/key.
func parseBucketURL(raw, scheme string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("sink: parse %s: %w", raw, err)
	}
	if u.Scheme != scheme || u.Host == "" {
		return "", "", fmt.Errorf("sink: expected %s://bucket/key, got %q", scheme, raw)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("sink: %q has no object key", raw)
	}
	return u.Host, key, nil
}

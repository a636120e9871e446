// Package archive writes retention copies of audit chains to a local
// directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"billing-pipeline/internal/config"
)

// Destinations accepted by Pick.
const (
	DestLocal = "local"
	DestS3    = "s3"
)

// Uploader stores one object and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Uploaders holds the configured targets. S3 is nil without a bucket.
type Uploaders struct {
	Local Uploader
	S3    Uploader
}

// NewUploaders builds the local uploader and, when ARCHIVE_S3_BUCKET is set,
// the S3 one.
func NewUploaders(ctx context.Context, cfg config.Config) (Uploaders, error) {
	baseDir := cfg.ArchiveDir
	if baseDir == "" {
		baseDir = "./archive"
	}
	u := Uploaders{Local: &LocalUploader{BaseDir: baseDir}}
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return Uploaders{}, err
		}
		u.S3 = &S3Uploader{Client: client, Bucket: cfg.ArchiveS3Bucket}
	}
	return u, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Pick returns the uploader for destination. An empty destination prefers S3
// when it is configured.
func (u Uploaders) Pick(destination string) (Uploader, error) {
	switch strings.ToLower(destination) {
	case DestS3:
		if u.S3 != nil {
			return u.S3, nil
		}
		return nil, errors.New("destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
	case DestLocal:
		if u.Local != nil {
			return u.Local, nil
		}
		return nil, errors.New("no local archive directory configured")
	case "":
	default:
		return nil, fmt.Errorf("unknown archive destination %q", destination)
	}
	if u.S3 != nil {
		return u.S3, nil
	}
	if u.Local != nil {
		return u.Local, nil
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalUploader writes below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into Bucket.
type S3Uploader struct {
	Client *s3.Client
	Bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

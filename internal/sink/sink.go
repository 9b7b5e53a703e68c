package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"smbsink/internal/config"
)

// Sink is an output destination for bucket files. Paths are slash-separated
// keys relative to the sink root.
type Sink interface {
	// Write writes data to the sink at the given path
	Write(ctx context.Context, path string, data []byte) error
	// WriteFromReader writes data from a reader to the sink
	WriteFromReader(ctx context.Context, path string, r io.Reader, size int64) error
	// Promote moves a finished temp file to its final path. The destination
	// only ever observes complete files.
	Promote(ctx context.Context, src, dst string) error
	// List returns the paths under dir whose base name matches the glob
	// pattern (e.g. the null-keys pattern of a bucketed output).
	List(ctx context.Context, dir, pattern string) ([]string, error)
	// Close closes the sink
	Close() error
}

// S3Sink writes bucket files to S3
type S3Sink struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3Sink creates a new S3 sink
func NewS3Sink(cfg *config.Sink) (*S3Sink, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

func cleanKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

// Write writes data to S3
func (s *S3Sink) Write(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(cleanKey(path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// WriteFromReader writes data from a reader to S3
func (s *S3Sink) WriteFromReader(ctx context.Context, path string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleanKey(path)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// Promote commits a temp object to its final key. S3 has no rename, so this
// is copy-then-delete; the copy is atomic from the reader's point of view.
func (s *S3Sink) Promote(ctx context.Context, src, dst string) error {
	src, dst = cleanKey(src), cleanKey(dst)

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("failed to delete temp object %s: %w", src, err)
	}

	return nil
}

// List returns keys under dir whose base name matches pattern
func (s *S3Sink) List(ctx context.Context, dir, pattern string) ([]string, error) {
	prefix := cleanKey(dir)

	var matches []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			ok, err := path.Match(pattern, path.Base(key))
			if err != nil {
				return nil, fmt.Errorf("bad list pattern %q: %w", pattern, err)
			}
			if ok {
				matches = append(matches, key)
			}
		}
	}
	return matches, nil
}

// Close closes the S3 sink
func (s *S3Sink) Close() error {
	return nil
}

// GetFullPath returns the full S3 path
func (s *S3Sink) GetFullPath(path string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, cleanKey(path))
}

// FilesystemSink writes bucket files to the local filesystem
type FilesystemSink struct {
	basePath string
}

// NewFilesystemSink creates a new filesystem sink
func NewFilesystemSink(cfg *config.Sink) (*FilesystemSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("filesystem sink requires a path")
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &FilesystemSink{
		basePath: cfg.Path,
	}, nil
}

// Write writes data to the filesystem
func (f *FilesystemSink) Write(ctx context.Context, path string, data []byte) error {
	fullPath := filepath.Join(f.basePath, path)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// WriteFromReader writes data from a reader to the filesystem
func (f *FilesystemSink) WriteFromReader(ctx context.Context, path string, r io.Reader, size int64) error {
	fullPath := filepath.Join(f.basePath, path)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Promote renames a finished temp file to its final path
func (f *FilesystemSink) Promote(ctx context.Context, src, dst string) error {
	srcPath := filepath.Join(f.basePath, src)
	dstPath := filepath.Join(f.basePath, dst)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("failed to promote %s to %s: %w", src, dst, err)
	}

	return nil
}

// List returns paths under dir whose base name matches pattern
func (f *FilesystemSink) List(ctx context.Context, dir, pattern string) ([]string, error) {
	fullGlob := filepath.Join(f.basePath, dir, pattern)
	globbed, err := filepath.Glob(fullGlob)
	if err != nil {
		return nil, fmt.Errorf("bad list pattern %q: %w", pattern, err)
	}

	var matches []string
	for _, g := range globbed {
		rel, err := filepath.Rel(f.basePath, g)
		if err != nil {
			return nil, err
		}
		matches = append(matches, filepath.ToSlash(rel))
	}
	return matches, nil
}

// Close closes the filesystem sink
func (f *FilesystemSink) Close() error {
	return nil
}

// GetFullPath returns the full filesystem path
func (f *FilesystemSink) GetFullPath(path string) string {
	return filepath.Join(f.basePath, path)
}

// NewSink creates a sink based on configuration
func NewSink(cfg *config.Sink) (Sink, error) {
	switch cfg.Type {
	case "aws_s3":
		return NewS3Sink(cfg)
	case "filesystem":
		return NewFilesystemSink(cfg)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

package compactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"command-outbox/internal/models"
)

// archiveKey names one archive object. It depends only on the receipts, so a
// retried pass overwrites instead of duplicating.
func archiveKey(prefix string, day time.Time, receipts []models.Receipt) string {
	first, last := receipts[0].ID, receipts[len(receipts)-1].ID
	name := fmt.Sprintf("receipts-%d-%d.jsonl", first, last)
	return path.Join(prefix, "day="+day.Format("2006-01-02"), name)
}

func encodeJSONLines(receipts []models.Receipt) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range receipts {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode receipt %d: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// LocalArchiver writes JSON lines under a directory.
type LocalArchiver struct {
	BaseDir string
}

func (l *LocalArchiver) Archive(_ context.Context, day time.Time, receipts []models.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	body, err := encodeJSONLines(receipts)
	if err != nil {
		return err
	}
	p := filepath.Join(l.BaseDir, filepath.FromSlash(archiveKey("", day, receipts)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// PutObjectAPI is the subset of *s3.Client used for archiving.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads JSON lines to a bucket.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// S3Options configures the archive bucket. Endpoint and PathStyle target
// S3-compatible stores such as MinIO.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Archiver builds an archiver from the default AWS credential chain.
func NewS3Archiver(ctx context.Context, opts S3Options) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewS3ArchiverWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Archiver) Archive(ctx context.Context, day time.Time, receipts []models.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	body, err := encodeJSONLines(receipts)
	if err != nil {
		return err
	}
	key := archiveKey(s.prefix, day, receipts)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, opts.apply), nil
}

// apply points the client at a custom endpoint when one is set. The region
// from the shared config is used for signing either way.
func (o S3Options) apply(so *s3.Options) {
	if o.Endpoint != "" {
		so.BaseEndpoint = aws.String(o.Endpoint)
	}
	so.UsePathStyle = o.PathStyle
}

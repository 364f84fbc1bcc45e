package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ai_billing/internal/models"
	"ai_billing/internal/utils"
)

// S3API is the subset of the S3 client used by S3Writer
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3Writer
type S3Config struct {
	Bucket  string
	Region  string
	Prefix  string
	PodName string
	// Endpoint overrides the S3 endpoint, e.g. a MinIO address. Path-style
	// addressing is used when it is set.
	Endpoint string
}

// S3Writer handles writing batches of usage events to S3
type S3Writer struct {
	client  S3API
	bucket  string
	prefix  string
	podName string
	logger  *utils.Logger
	now     func() time.Time
}

// NewS3Writer creates a new S3 writer using the default AWS credential chain
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WriterWithClient(client, cfg), nil
}

// NewS3WriterWithClient creates a writer around an existing client
func NewS3WriterWithClient(client S3API, cfg S3Config) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		logger:  utils.NewLogger("s3-writer"),
		now:     time.Now,
	}
}

// WriteBatch writes a batch of usage events to S3 as a JSON Lines object.
// Returns the S3 key where the data was written.
func (w *S3Writer) WriteBatch(ctx context.Context, events []*models.UsageEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	// Format: usage/2026/10/19/billing-0-20261019-143022-123456789.jsonl
	now := w.now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			w.logger.Error("Failed to encode usage event", "event_id", event.ID, "error", err)
			continue
		}
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote usage batch to S3", "key", key, "count", len(events), "bytes", buf.Len())
	return key, nil
}

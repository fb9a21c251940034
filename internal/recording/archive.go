// Package recording controls call recordings and archives finished
// recording chunks to S3-compatible storage.
package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/event"
)

// S3Options configures the archive bucket.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Logger          *zap.Logger
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver downloads recording chunks from the provider and stores them
// under <prefix>/<serverCallID>/<index>-<documentID>.
type S3Archiver struct {
	client objectPutter
	http   *http.Client
	bucket string
	prefix string
	log    *zap.Logger
}

// NewS3Archiver creates an archiver backed by an S3-compatible bucket.
func NewS3Archiver(ctx context.Context, opts S3Options) (*S3Archiver, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3Archiver(client, &http.Client{Timeout: 5 * time.Minute}, bucket, opts.Prefix, opts.Logger), nil
}

func newS3Archiver(client objectPutter, hc *http.Client, bucket, prefix string, log *zap.Logger) *S3Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &S3Archiver{
		client: client,
		http:   hc,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}
}

// ObjectKey is where a chunk is stored.
func (a *S3Archiver) ObjectKey(serverCallID string, chunk event.RecordingChunk) string {
	name := fmt.Sprintf("%03d-%s", chunk.Index, chunk.DocumentID)
	return path.Join(a.prefix, sanitize(serverCallID), name)
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// Archive copies one chunk into the bucket. Re-archiving overwrites the
// same key.
func (a *S3Archiver) Archive(ctx context.Context, serverCallID string, chunk event.RecordingChunk) error {
	if chunk.ContentLocation == "" {
		return fmt.Errorf("chunk %d has no content location", chunk.Index)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chunk.ContentLocation, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading chunk %d: %w", chunk.Index, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading chunk %d: status %d", chunk.Index, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading chunk %d: %w", chunk.Index, err)
	}

	key := a.ObjectKey(serverCallID, chunk)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"server-call-id": serverCallID,
			"document-id":    chunk.DocumentID,
			"end-reason":     chunk.EndReason,
		},
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	a.log.Info("archived recording chunk",
		zap.String("server_call_id", serverCallID),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return nil
}

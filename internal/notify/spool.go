package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"reengagement-scheduler/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Spool writes each message as a JSON envelope to an outbox, either a local
// directory or an S3 bucket, for a mail relay to pick up.
type Spool struct {
	up     uploader
	prefix string
}

// NewSpool chooses S3 when a bucket is configured and a local directory otherwise.
func NewSpool(ctx context.Context, cfg config.Config) (*Spool, error) {
	if cfg.SpoolS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Spool{up: &s3Uploader{client: client, bucket: cfg.SpoolS3Bucket}, prefix: "outbox"}, nil
	}
	dir := cfg.SpoolDir
	if dir == "" {
		dir = "./spool"
	}
	return &Spool{up: &localUploader{baseDir: dir}, prefix: "outbox"}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SpoolS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.SpoolS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SpoolS3Endpoint)
		}
		o.UsePathStyle = cfg.SpoolS3PathStyle
	}), nil
}

// Send stores msg under outbox/<yyyy-mm-dd>/<activity>/<uuid>.json.
func (s *Spool) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := sanitizeKey(fmt.Sprintf("%s/%s/%d/%s.json", s.prefix, msg.CreatedAt.UTC().Format("2006-01-02"), msg.ActivityID, uuid.New().String()))
	if _, err := s.up.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("spool message: %w", err)
	}
	return nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

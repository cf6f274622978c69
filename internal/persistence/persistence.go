// Package persistence implements the opaque key/value persistence
// adapter contract of spec.md §6 (has/read/save), with an in-memory
// implementation for tests/backtests and an S3-backed implementation
// for live deployments. Grounded on the teacher's internal/data storage
// layer idiom, generalised from a SQL/Redis-backed store to a flat
// key/value contract, using the pack's aws-sdk-go-v2 S3 dependency for
// the durable backend.
package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Adapter is the persistence contract consumed by internal/state and
// internal/position (spec.md §6): has(key), read(key) -> bytes,
// save(key, bytes).
type Adapter interface {
	Has(key string) bool
	Read(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// MemoryAdapter is an in-memory implementation used for tests and
// backtests.
type MemoryAdapter struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewMemoryAdapter constructs an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{store: make(map[string][]byte)}
}

func (m *MemoryAdapter) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.store[key]
	return ok
}

func (m *MemoryAdapter) Read(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.store[key]
	if !ok {
		return nil, fmt.Errorf("persistence: key %q not found", key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryAdapter) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.store[key] = cp
	return nil
}

// S3Adapter persists keys as objects in a single S3 bucket, using
// aws-sdk-go-v2's manager.Uploader/Downloader for the actual transfer.
type S3Adapter struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Adapter loads the default AWS config chain (environment,
// shared config, EC2/ECS role) and constructs an S3-backed adapter.
func NewS3Adapter(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*S3Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: load aws config: %w", err)
	}
	return &S3Adapter{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (a *S3Adapter) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Has issues a HeadObject to check existence.
func (a *S3Adapter) Has(key string) bool {
	ctx := context.Background()
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	return err == nil
}

// Read downloads the object via manager.Downloader into an in-memory
// writer-at buffer.
func (a *S3Adapter) Read(key string) ([]byte, error) {
	ctx := context.Background()
	downloader := manager.NewDownloader(a.client)
	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: download %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Save uploads data via manager.Uploader.
func (a *S3Adapter) Save(key string, data []byte) error {
	ctx := context.Background()
	uploader := manager.NewUploader(a.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
		Body:   io.NopCloser(bytes.NewReader(data)),
	})
	if err != nil {
		if a.logger != nil {
			a.logger.Error("persistence: upload failed", zap.String("key", key), zap.Error(err))
		}
		return fmt.Errorf("persistence: upload %q: %w", key, err)
	}
	return nil
}

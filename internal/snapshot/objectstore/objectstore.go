// Package objectstore implements a snapshot Backend that keeps the mailbox
// state as a single object in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
)

// DefaultKey is the object name used when Config.Key is empty.
const DefaultKey = "mailbox.yaml"

// errObjectMissing is returned by ObjectClient.Get when the object does not exist.
var errObjectMissing = errors.New("object does not exist")

// Config holds the settings for connecting to the object store.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// ObjectClient is the subset of object storage operations the backend needs.
// Used for testing with mock implementations.
type ObjectClient interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// Backend reads and writes the state object.
type Backend struct {
	bucket string
	key    string
	client ObjectClient
}

// New connects to the object store and creates the bucket if it does not
// exist yet.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return NewWithClient(cfg.Bucket, cfg.Key, &minioClient{client: mc}), nil
}

// NewWithClient creates a Backend with a custom client, used for testing.
func NewWithClient(bucket, key string, client ObjectClient) *Backend {
	if key == "" {
		key = DefaultKey
	}
	return &Backend{bucket: bucket, key: key, client: client}
}

// Load fetches and decodes the state object. A missing object yields
// snapshot.ErrNotFound.
func (b *Backend) Load(ctx context.Context) (*snapshot.State, error) {
	data, err := b.client.Get(ctx, b.bucket, b.key)
	if err != nil {
		if errors.Is(err, errObjectMissing) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return snapshot.Unmarshal(data)
}

// Save uploads the encoded state. A single PUT replaces the object as a
// whole, so readers never observe a partial write.
func (b *Backend) Save(ctx context.Context, st *snapshot.State) error {
	data, err := snapshot.Marshal(st)
	if err != nil {
		return err
	}
	if err := b.client.Put(ctx, b.bucket, b.key, data); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "s3"
}

// minioClient adapts *minio.Client to ObjectClient.
type minioClient struct {
	client *minio.Client
}

func (m *minioClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (m *minioClient) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/yaml"})
	return err
}

// translate maps the object store's "no such key" response to errObjectMissing.
func translate(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errObjectMissing
	}
	return err
}

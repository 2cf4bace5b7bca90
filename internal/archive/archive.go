// Package archive keeps a copy of every manifest and result artifact in
// S3-compatible storage, so results survive the provider's retention window.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Artifact names within a job's prefix.
const (
	Manifest = "manifest"
	Output   = "output"
	Errors   = "error"
)

var (
	ErrNotFound = errors.New("archived artifact not found")
	ErrDisabled = errors.New("artifact archive disabled")
)

// Archive stores artifacts under jobs/{jobID}/{name}.jsonl.
type Archive interface {
	Put(ctx context.Context, jobID uuid.UUID, name string, data []byte) error
	Get(ctx context.Context, jobID uuid.UUID, name string) ([]byte, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
}

func ObjectKey(jobID uuid.UUID, name string) string {
	return fmt.Sprintf("jobs/%s/%s.jsonl", jobID, name)
}

// New returns an S3-backed archive, or a no-op one when no endpoint is
// configured. The bucket is created if missing.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	if !cfg.Enabled() {
		return Nop{}, nil
	}
	s, err := NewS3Archive(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return s, nil
}

// Nop discards writes and reports every read as disabled.
type Nop struct{}

func (Nop) Put(context.Context, uuid.UUID, string, []byte) error { return nil }
func (Nop) Get(context.Context, uuid.UUID, string) ([]byte, error) {
	return nil, ErrDisabled
}
func (Nop) DeleteJob(context.Context, uuid.UUID) error { return nil }

// S3Archive implements Archive using MinIO/S3-compatible storage.
type S3Archive struct {
	client *minio.Client
	bucket string
	region string
}

func NewS3Archive(cfg config.ArchiveConfig) (*S3Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Archive{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *S3Archive) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

func (s *S3Archive) Put(ctx context.Context, jobID uuid.UUID, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, ObjectKey(jobID, name),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "application/jsonl",
			UserMetadata: map[string]string{"job-id": jobID.String()},
		})
	if err != nil {
		return fmt.Errorf("archive %s: %w", ObjectKey(jobID, name), err)
	}
	return nil
}

func (s *S3Archive) Get(ctx context.Context, jobID uuid.UUID, name string) ([]byte, error) {
	key := ObjectKey(jobID, name)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Archive) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	prefix := fmt.Sprintf("jobs/%s/", jobID)
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	for res := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("delete %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}

var (
	_ Archive = Nop{}
	_ Archive = (*S3Archive)(nil)
)

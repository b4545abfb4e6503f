// Package storage holds the two object-store clients: a minio-backed
// client for bucket management and retention sweeps, and an aws-sdk client
// that delivers processed artifacts with content-hash deduplication.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/queue"
)

const artifactPrefix = "artifacts/"

// Config holds the object store connection settings.
type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	UseSSL       bool
}

// ============================================================================
// Bucket client (minio-go) - management, health, retention
// ============================================================================

// Client provides bucket management over S3-compatible storage.
type Client struct {
	client *minio.Client
	bucket string
}

// New creates the bucket management client.
func New(cfg *Config) (*Client, error) {
	// minio-go expects host:port without a scheme
	endpoint := cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	}

	return nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Ping checks that the storage is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.bucket)
	return err
}

// ObjectExists checks whether an object exists.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence %s: %w", key, err)
	}
	return true, nil
}

// DeleteObject removes one object.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// PruneOlderThan deletes delivered artifacts last modified before the
// cutoff. A single failed removal is skipped, not fatal; the next sweep
// retries it. Implements the cleanup scheduler's ObjectPruner.
func (c *Client) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0

	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    artifactPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		if err := c.client.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			continue
		}
		removed++
	}

	return removed, nil
}

// ============================================================================
// Delivery client (aws-sdk-go-v2) - artifact uploads with deduplication
// ============================================================================

// S3Delivery uploads processed artifacts. Object keys embed a content hash,
// so re-delivering identical content is a no-op.
type S3Delivery struct {
	client *s3.Client
	bucket string
}

// NewS3Delivery creates the delivery client.
func NewS3Delivery(cfg *Config) *S3Delivery {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle, // required for MinIO
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Delivery{
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}
}

// Deliver uploads the artifact and returns its object key. Upload failures
// are transient: the pipeline retry policy decides whether to try again.
// Implements the worker pool's Deliverer.
func (s *S3Delivery) Deliver(ctx context.Context, job *queue.Job, localPath string) (string, error) {
	contentHash, err := hashFile(localPath)
	if err != nil {
		return "", apperrors.StorageError("failed to hash artifact").WithCause(err)
	}

	key := objectKey(contentHash, localPath)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return "", apperrors.TransientIO("failed to check artifact existence").WithCause(err)
	}
	if exists {
		// identical content already delivered
		return key, nil
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", apperrors.StorageError("failed to open artifact").WithCause(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", apperrors.StorageError("failed to stat artifact").WithCause(err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", apperrors.TransientIO("failed to upload artifact").WithCause(err)
	}

	return key, nil
}

func (s *S3Delivery) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// objectKey builds the delivery key from the content hash and the staged
// file's base name.
func objectKey(contentHash, localPath string) string {
	return fmt.Sprintf("%s%s/%s", artifactPrefix, contentHash, filepath.Base(localPath))
}

// hashFile returns the hex sha256 of the file contents.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isNotFoundError checks for the aws-sdk's assorted not-found shapes.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "404")
}

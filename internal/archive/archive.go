// Package archive uploads chunks to S3-compatible object storage before the
// reclaimer deletes them from the card.
package archive

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sdvault/internal/config"
	"sdvault/internal/logger"
	"sdvault/internal/models"
)

const contentType = "video/mp2t"

// objectStore is the subset of *minio.Client used here.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver copies chunk files into one bucket.
type Archiver struct {
	client objectStore
	bucket string
	prefix string
}

// New connects to the configured endpoint. No request is made until
// EnsureBucket or Archive is called.
func New(cfg config.ArchiveConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	logger.Info("creating archive bucket", "bucket", a.bucket)
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// ObjectName places a chunk under <prefix>/<yyyy>/<mm>/<dd>/ by its UTC start.
func (a *Archiver) ObjectName(c models.Chunk) string {
	day := c.StartDateTime().Format("2006/01/02")
	return path.Join(a.prefix, day, models.ChunkFileName(c.StartTime, c.EndTime))
}

// Archive uploads one chunk file.
func (a *Archiver) Archive(ctx context.Context, c models.Chunk) error {
	name := a.ObjectName(c)
	info, err := a.client.FPutObject(ctx, a.bucket, name, c.FilePath, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"utc-start": strconv.FormatUint(uint64(c.StartTime), 10),
			"utc-end":   strconv.FormatUint(uint64(c.EndTime), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	logger.Debug("chunk archived", "object", name, "size", info.Size)
	return nil
}

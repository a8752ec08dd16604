package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/footron/build-manager/pkg/errors"
)

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// s3API is the subset of the S3 client used for downloads.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Client downloads artifact archives mirrored to S3 ("s3://bucket/key").
type S3Client struct {
	s3Client s3API
}

// NewS3Client creates an S3 client. With anonymous set, requests are
// unsigned (public buckets); otherwise the default credential chain is used.
func NewS3Client(ctx context.Context, region string, anonymous bool) (*S3Client, error) {
	slog.Info("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// ParseS3Locator splits "s3://bucket/key" into bucket and key.
func ParseS3Locator(locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 locator: %q", locator)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 locator %q needs a bucket and a key", locator)
	}
	return bucket, key, nil
}

// Download downloads an object from S3 and computes SHA256
func (c *S3Client) Download(ctx context.Context, locator, localPath string) (*DownloadResult, error) {
	bucket, key, err := ParseS3Locator(locator)
	if err != nil {
		return nil, err
	}

	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	return writeWithChecksum(result.Body, localPath)
}

// writeWithChecksum copies src to localPath while hashing it.
func writeWithChecksum(src io.Reader, localPath string) (*DownloadResult, error) {
	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	writer := io.MultiWriter(f, hash)

	size, err := io.Copy(writer, src)
	if err != nil {
		slog.Error("download_copy_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("download_complete",
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// Package storage downloads ROM archives from an S3 bucket into the
// local staging directory.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/twoyi/twoyi-server/pkg/errors"
)

// Client provides ROM archive storage operations.
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates an S3 client for anonymous access to the ROM bucket.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// FetchResult contains staging metadata.
type FetchResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// FetchRom downloads a ROM archive object to localPath, computing its
// SHA-256 while streaming. When expectedSHA256 is non-empty, a mismatch
// removes the staged file and fails.
func (c *Client) FetchRom(ctx context.Context, key, localPath, expectedSHA256 string) (*FetchResult, error) {
	slog.Info("rom_fetch_start", "bucket", c.bucket, "key", key, "dest", localPath)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rom object")
	}
	defer result.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}

	f, err := os.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staged file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download rom")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if expectedSHA256 != "" && !strings.EqualFold(checksum, expectedSHA256) {
		os.Remove(localPath)
		return nil, fmt.Errorf("rom digest mismatch: got %s, want %s", checksum, expectedSHA256)
	}

	slog.Info("rom_fetch_complete",
		"key", key,
		"size_mb", size/1024/1024,
		"sha256", checksum[:16]+"...",
	)

	return &FetchResult{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}

// ListRoms lists available ROM archive keys under a prefix.
func (c *Client) ListRoms(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list rom objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("rom_list_complete", "prefix", prefix, "count", len(keys))
	return keys, nil
}

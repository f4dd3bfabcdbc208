package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader pushes a finished artifact to remote storage. The local zip
// remains the source of truth; upload failures are logged, not fatal.
type Uploader interface {
	Upload(ctx context.Context, key, zipPath string) (string, error)
}

type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader builds an Uploader backed by an S3 bucket using the default
// AWS credential chain.
func NewS3Uploader(ctx context.Context, bucket, prefix string) (Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &s3Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (u *s3Uploader) Upload(ctx context.Context, key, zipPath string) (string, error) {
	file, err := os.Open(zipPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	fullKey := path.Join(u.prefix, key)
	contentType := "application/zip"
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &fullKey,
		Body:        file,
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", u.bucket, fullKey)
	slog.Debug("Artifact uploaded", "location", location)
	return location, nil
}

// Package writer mirrors freshly written partition files to S3. The
// mirror is write-only: loading always reads the local partitions.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "histflow/config"
	"histflow/logger"
	"histflow/models"
)

// Mirror uploads partition files under hive-style
// exchange=<e>/kind=<k>/date=<d>/ key prefixes.
type Mirror struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewMirror builds a Mirror from the storage section of the
// configuration. It fails when S3 is enabled but credentials cannot
// be resolved.
func NewMirror(cfg *appconfig.Config, log *logger.Log) (*Mirror, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 mirror initialized")

	return &Mirror{cfg: cfg, s3Client: s3Client, log: log}, nil
}

// Upload copies the partition file at localPath to the bucket.
func (m *Mirror) Upload(ctx context.Context, localPath, exchange string, kind models.DataType, periodStart time.Time) error {
	key := m.objectKey(localPath, exchange, kind, periodStart)
	log := m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"s3_key": key,
		"path":   localPath,
	})

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read partition for mirroring: %w", err)
	}

	if _, err := m.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("partition mirrored")
	return nil
}

func (m *Mirror) objectKey(localPath, exchange string, kind models.DataType, periodStart time.Time) string {
	parts := []string{}
	if m.cfg.Storage.S3.Prefix != "" {
		parts = append(parts, m.cfg.Storage.S3.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("kind=%s", kind),
		fmt.Sprintf("date=%s", periodStart.Format("2006-01-02")),
		filepath.Base(localPath),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aibidcomposer/approval-engine/internal/config"
)

// NewArchiveFromConfig creates the S3 audit archive sink based on the
// provided configuration. Returns nil when the archive is disabled.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	slog.Info("Initializing S3 audit archive", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return NewS3Archive(client, cfg.Bucket, cfg.Prefix), nil
}

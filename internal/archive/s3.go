package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"alarmguard/internal/config"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads archived files under a key prefix.
type S3Mirror struct {
	client putObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3Mirror(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if logger != nil {
		logger.Info("archive s3 mirror enabled", "bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	}
	return newS3Mirror(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Mirror(client putObjectAPI, bucket, prefix string, logger *slog.Logger) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (m *S3Mirror) Key(rel string) string {
	return path.Join(m.prefix, rel)
}

func (m *S3Mirror) Upload(ctx context.Context, rel, localPath, hash string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	key := m.Key(rel)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"sha256": hash},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	if m.logger != nil {
		m.logger.Debug("archive mirrored", "bucket", m.bucket, "key", key)
	}
	return nil
}

package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"go.uber.org/zap"
)

// Archiver stores bundles outside the system for independent replication.
type Archiver interface {
	Archive(ctx context.Context, key string, b *Bundle) error
}

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// S3Archiver writes bundles to an S3 bucket.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver loads the default AWS configuration and creates an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3ArchiverWithClient creates an archiver around an existing client.
func NewS3ArchiverWithClient(client S3API, bucket, prefix string, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, key string, b *Bundle) error {
	var buf bytes.Buffer
	if err := b.Save(&buf); err != nil {
		return err
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	a.logger.Info("bundle archived", zap.String("bucket", a.bucket), zap.String("key", a.prefix+key))
	return nil
}

// Fetch reads a previously archived bundle.
func (a *S3Archiver) Fetch(ctx context.Context, key string) (*Bundle, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return Load(out.Body)
}

// EpochKey is the object key of the bundle archived when epoch epochID was
// sealed.
func EpochKey(epochID int64) string {
	return fmt.Sprintf("epoch-%08d.json", epochID)
}

// ArchiveOnSeal returns an epoch.Manager observer that exports and archives
// the ledger after every sealed epoch. Archival runs in the background and
// failures are logged. A non-positive timeout means 30 seconds.
func (x *Exporter) ArchiveOnSeal(a Archiver, timeout time.Duration) func(*epoch.Epoch) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(ep *epoch.Epoch) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			b, err := x.Export(ctx)
			if err != nil {
				x.logger.Warn("archive: export failed", zap.Int64("epoch_id", ep.EpochID), zap.Error(err))
				return
			}
			if err := a.Archive(ctx, EpochKey(ep.EpochID), b); err != nil {
				x.logger.Warn("archive: upload failed", zap.Int64("epoch_id", ep.EpochID), zap.Error(err))
			}
		}()
	}
}

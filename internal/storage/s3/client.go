package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/objectsync/internal/logger"
)

// API is the subset of the S3 client the backend calls.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader sends one large object in parts.
type Uploader func(ctx context.Context, key string, body io.Reader, size int64, class awsconfig.StorageClass, metadata map[string]string) error

// ClientManager handles S3 client creation
type ClientManager struct {
	pool     *ConnectionPool
	uploader Uploader
	config   *Config
}

// NewClientManager loads the AWS configuration and builds the client pool and,
// when enabled, the CargoShip transporter.
func NewClientManager(ctx context.Context, cfg *Config, log *logger.Logger) (*ClientManager, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	newClient := func() *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
			o.UseAccelerate = cfg.UseAccelerate
			if cfg.UseDualStack {
				o.EndpointOptions.UseDualStackEndpoint = aws.DualStackEndpointStateEnabled
			}
		})
	}

	pool, err := NewConnectionPool(cfg.PoolSize, func() (API, error) {
		return newClient(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	cm := &ClientManager{pool: pool, config: cfg}
	if cfg.EnableCargoShip {
		transporter := cargoships3.NewTransporter(newClient(), awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       lookupStorageClass(cfg.StorageClass).cargoship,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.PoolSize,
		})
		cm.uploader = func(ctx context.Context, key string, body io.Reader, size int64, class awsconfig.StorageClass, metadata map[string]string) error {
			result, err := transporter.Upload(ctx, cargoships3.Archive{
				Key:          key,
				Reader:       body,
				Size:         size,
				StorageClass: class,
				Metadata:     metadata,
			})
			if err != nil {
				return err
			}
			log.Debug().
				Str("key", key).
				Int64("size", size).
				Interface("throughput", result.Throughput).
				Interface("duration", result.Duration).
				Msg("CargoShip upload completed")
			return nil
		}
		log.Info().
			Int64("threshold", cfg.MultipartThreshold).
			Int64("chunk_size", cfg.MultipartChunkSize).
			Int("concurrency", cfg.PoolSize).
			Msg("CargoShip S3 transporter enabled")
	}
	return cm, nil
}

// Pool returns the connection pool.
func (cm *ClientManager) Pool() *ConnectionPool { return cm.pool }

// Uploader returns the CargoShip upload path, nil when disabled.
func (cm *ClientManager) Uploader() Uploader { return cm.uploader }

func (cm *ClientManager) Close() error {
	return cm.pool.Close()
}

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fieldledger/fieldledger/backend/internal/config"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
)

// Providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// Config selects a provider and bucket.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccountID string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// FromConfig converts the export.s3 configuration section.
func FromConfig(c config.S3Config) Config {
	return Config{
		Provider:  c.Provider,
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		Bucket:    c.Bucket,
		AccountID: c.AccountID,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Prefix:    c.Prefix,
		UseSSL:    c.UseSSL,
	}
}

// Target is where the SDK client is pointed.
type Target struct {
	Endpoint  string
	Region    string
	PathStyle bool
}

// Resolve applies the provider preset.
func Resolve(cfg Config) (Target, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderAWS, "":
		return awsTarget(cfg)
	case ProviderMinIO:
		return minioTarget(cfg)
	case ProviderR2:
		return r2Target(cfg)
	default:
		return Target{}, apperrors.Newf(apperrors.ErrInvalid, "unknown s3 provider %q", cfg.Provider)
	}
}

// Bucket stores export files under a key prefix.
type Bucket struct {
	client *s3.Client
	bucket string
	prefix string
	target Target
}

// New creates a Bucket. Static keys are used when given; otherwise the SDK's
// default credential chain applies.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "s3 bucket is required")
	}
	target, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(target.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "load aws config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(target.Endpoint)
		o.UsePathStyle = target.PathStyle
	})
	return &Bucket{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, target: target}, nil
}

// Target returns the resolved endpoint.
func (b *Bucket) Target() Target {
	return b.target
}

func (b *Bucket) key(name string) string {
	return b.prefix + name
}

// Put uploads one object.
func (b *Bucket) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "s3 put object", err)
	}
	logging.Info("export uploaded", map[string]interface{}{
		"bucket": b.bucket,
		"key":    b.key(name),
		"bytes":  len(data),
	})
	return nil
}

// Get downloads one object.
func (b *Bucket) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "object %s not found", b.key(name))
		}
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "s3 get object", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "s3 read object", err)
	}
	return data, nil
}

// List returns object names below the prefix, relative to it.
func (b *Bucket) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "s3 list objects", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), b.prefix))
		}
	}
	return names, nil
}

// Delete removes one object.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "s3 delete object", err)
	}
	return nil
}

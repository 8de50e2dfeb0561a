package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "chartfeed/config"
	"chartfeed/logger"
	"chartfeed/models"
)

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Store keeps one parquet object per series under a key prefix.
type S3Store struct {
	client      s3API
	bucket      string
	prefix      string
	compression string
	log         *logger.Log
}

// NewS3Store loads the AWS configuration the same way for every S3 consumer:
// region from config, static credentials when both keys are set, optional
// custom endpoint with path-style addressing.
func NewS3Store(ctx context.Context, cfg appconfig.S3Config, compression string) (*S3Store, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_store").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_store").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"prefix":     cfg.Prefix,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 store initialized")

	return newS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, compression), nil
}

func newS3StoreWithClient(client s3API, bucket, prefix, compression string) *S3Store {
	return &S3Store{
		client:      client,
		bucket:      bucket,
		prefix:      prefix,
		compression: compression,
		log:         logger.GetLogger(),
	}
}

func (s *S3Store) Backend() string { return "s3" }

// objectKey lays series out as <prefix>/<interval>/<symbol>.parquet.
func (s *S3Store) objectKey(key models.SeriesKey) string {
	return path.Join(s.prefix, string(key.Interval), url.PathEscape(key.Symbol)+parquetExt)
}

func (s *S3Store) Get(ctx context.Context, key models.SeriesKey) (*models.CacheEntry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from S3: %w", key, err)
	}
	return decodeEntry(key, data)
}

func (s *S3Store) Put(ctx context.Context, key models.SeriesKey, entry *models.CacheEntry) error {
	if entry == nil || len(entry.Bars) == 0 {
		return nil
	}

	data, err := encodeEntry(entry, s.compression)
	if err != nil {
		return err
	}

	objectKey := s.objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  s.compression,
			"series":       key.String(),
			"bars":         strconv.Itoa(len(entry.Bars)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}

	s.log.WithComponent("s3_store").WithFields(logger.Fields{
		"s3_key":    objectKey,
		"file_size": len(data),
	}).Debug("series uploaded")
	return nil
}

// Clear deletes every object under the prefix, 1000 keys per request.
func (s *S3Store) Clear(ctx context.Context) error {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 prefix '%s': %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("failed to delete S3 objects: %w", err)
		}
		deleted += len(ids)
	}

	s.log.WithComponent("s3_store").WithFields(logger.Fields{
		"prefix":  prefix,
		"deleted": deleted,
	}).Info("s3 store cleared")
	return nil
}

// Package assets stores render outputs in S3-compatible object storage.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrInvalidConfig = errors.New("invalid asset store config")

// Config describes the bucket and how its objects are addressed publicly.
type Config struct {
	Bucket string
	Region string
	// Endpoint points at an S3-compatible service such as MinIO.
	Endpoint string
	Prefix   string
	// PublicBaseURL is the CDN origin serving the bucket. When empty, object
	// URLs are built from the endpoint or the regional S3 host.
	PublicBaseURL string
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store implements render.AssetStore.
type S3Store struct {
	client objectPutter
	config Config
}

// NewS3Store loads the default AWS credential chain and builds an S3Store.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
			options.UsePathStyle = true
		}
	})
	return &S3Store{client: client, config: cfg}, nil
}

// NewS3StoreWithClient builds an S3Store around an existing client.
func NewS3StoreWithClient(client *s3.Client, cfg Config) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &S3Store{client: client, config: cfg}, nil
}

// PutAsset uploads body under key and returns its public URL.
func (store *S3Store) PutAsset(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (string, error) {
	objectKey := store.objectKey(key)
	_, err := store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(store.config.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    compactMetadata(metadata),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", objectKey, err)
	}
	return store.URL(key), nil
}

// URL returns the public URL for key.
func (store *S3Store) URL(key string) string {
	objectKey := store.objectKey(key)
	switch {
	case store.config.PublicBaseURL != "":
		return strings.TrimRight(store.config.PublicBaseURL, "/") + "/" + objectKey
	case store.config.Endpoint != "":
		return strings.TrimRight(store.config.Endpoint, "/") + "/" + store.config.Bucket + "/" + objectKey
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", store.config.Bucket, store.config.Region, objectKey)
	}
}

func (store *S3Store) objectKey(key string) string {
	return store.config.Prefix + strings.TrimLeft(key, "/")
}

func compactMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	compacted := make(map[string]string, len(metadata))
	for key, value := range metadata {
		if value != "" {
			compacted[key] = value
		}
	}
	return compacted
}

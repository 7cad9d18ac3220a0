// Package storage keeps call audio in an S3-compatible bucket (MinIO in
// production).
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"lukechampine.com/blake3"
)

// ContentTypeWAV is the content type of uploaded recordings.
const ContentTypeWAV = "audio/wav"

// DigestMetadataKey names the object metadata entry holding the BLAKE3
// digest of the body.
const DigestMetadataKey = "blake3"

// Options configures the object store.
type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Store writes objects into one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a path-style S3 client with static credentials.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket when it does not exist. Concurrent callers
// may race; losing the create race is not an error.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("storage: head bucket %s: %w", s.bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.bucket})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads data under key, overwriting any existing object, and returns
// the object's path relative to the endpoint ("/<bucket>/<key>").
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	sum := blake3.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Metadata:    map[string]string{DigestMetadataKey: hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s/%s: %w", s.bucket, key, err)
	}
	return ObjectPath(s.bucket, key), nil
}

// ObjectPath is the stored URL form of an object: "/<bucket>/<key>".
func ObjectPath(bucket, key string) string {
	return "/" + bucket + "/" + strings.TrimPrefix(key, "/")
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func alreadyExists(err error) bool {
	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}

// Package objectstore implements the FileJsonRead/FileJsonWrite effect
// backend on Amazon S3, treating a "file" effect as an object in a
// bucket. The effect handlers use ReadRaw (GetObject) and WriteRaw
// (PutObject) and pass the bytes through without decoding or encoding
// them; ReadJSON and WriteJSON add the json decode/encode step.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store wraps an S3 client scoped to a single bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// Config names the bucket and optional region/endpoint overrides (the
// latter lets a self-hosted S3-compatible store stand in during local
// development).
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// New loads the default AWS credential chain (environment, shared config,
// IAM role) via aws-sdk-go-v2/config and builds a bucket-scoped Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// ErrNotFound is returned by ReadJSON and ReadRaw when the key does not
// exist.
var ErrNotFound = errors.New("objectstore: key not found")

// ReadJSON fetches key and decodes its body into v.
func (s *Store) ReadJSON(ctx context.Context, key string, v any) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return ErrNotFound
		}
		return fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return json.Unmarshal(body, v)
}

// ReadRaw returns the raw object bytes without attempting JSON decode —
// used by the effect handler to populate a slot with the marshaled
// result directly.
func (s *Store) ReadRaw(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// WriteJSON marshals v and writes it to key with a JSON content type.
func (s *Store) WriteJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("objectstore: marshal %s: %w", key, err)
	}
	return s.WriteRaw(ctx, key, body)
}

// WriteRaw writes already-encoded JSON bytes to key.
func (s *Store) WriteRaw(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

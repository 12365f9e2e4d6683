// Package s3 implements the blob store on S3-compatible object storage. It
// holds pre-embedded chunk documents and incident image attachments.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// API mirrors the subset of *s3.Client the store needs, so tests can pass a
// fake.
type API interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Store implements domain.BlobStore against one bucket.
type Store struct {
	api    API
	bucket string
}

// New constructs a Store for the given bucket.
func New(api API, bucket string) *Store {
	return &Store{api: api, bucket: bucket}
}

// Put writes data under key.
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("op=blob.put key=%s: %w", key, err)
	}
	return nil
}

// Get reads the object at key. Missing keys map to domain.ErrNotFound.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound") {
			return nil, fmt.Errorf("op=blob.get key=%s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get key=%s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.read key=%s: %w", key, err)
	}
	return data, nil
}

// List returns every key under prefix, following continuation tokens.
func (s *Store) List(ctx domain.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("op=blob.list prefix=%s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/execution"
	"github.com/spounge-ai/cashier/pkg/patterns/batch"
)

var (
	_ cache.Cache         = (*DocumentCache)(nil)
	_ cache.Reclaimer     = (*DocumentCache)(nil)
	_ cache.HealthChecker = (*DocumentCache)(nil)
)

// ObjectAPI is the subset of the S3 client used by DocumentCache.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// document is the JSON body stored for each key.
type document struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

func (d document) entry() cache.Entry {
	return cache.Entry{Key: d.Key, Data: d.Value, ExpiresAt: cache.FromUnixMilli(d.ExpiresAtMs)}
}

// DocumentCache stores one JSON document per key in an S3 bucket. S3 has no
// per-object expiry visible to reads, so deadlines live in the document and
// are checked on every Get.
//
// Clear deletes page by page; a concurrent reader may observe a partially
// cleared prefix.
type DocumentCache struct {
	client     ObjectAPI
	bucketName string
	prefix     string
	opts       options
	logger     *slog.Logger
	closed     atomic.Bool
}

// NewS3Client builds an S3 client from the backend configuration.
func NewS3Client(awsCfg aws.Config, cfg config.S3Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
}

// NewDocumentCache binds to an existing bucket. Objects are written under prefix.
func NewDocumentCache(client ObjectAPI, bucketName, prefix string, opts ...Option) (*DocumentCache, error) {
	if client == nil {
		return nil, notConfigured("s3: client is required")
	}
	if bucketName == "" {
		return nil, notConfigured("s3: bucket name is required")
	}

	o := newOptions(opts)
	return &DocumentCache{
		client:     client,
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		opts:       o,
		logger:     o.logger.With("backend", "s3", "bucket", bucketName),
	}, nil
}

func (s *DocumentCache) Set(ctx context.Context, key, value string) error {
	return s.put(ctx, document{Key: key, Value: value})
}

func (s *DocumentCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := cache.Deadline(s.opts.clock(), ttl)
	return s.put(ctx, document{Key: key, Value: value, ExpiresAtMs: expiresAt.UnixMilli()})
}

func (s *DocumentCache) put(ctx context.Context, doc document) error {
	if err := s.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal cache document: %w", err)
	}

	path := s.objectKey(doc.Key)
	return execution.RunWithTimeout(ctx, s.opts.timeout, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucketName,
			Key:         &path,
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return backendError("put cache document", err)
		}
		return nil
	})
}

func (s *DocumentCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}

	now := s.opts.clock()
	doc, _, found, err := s.fetch(ctx, s.objectKey(key))
	if err != nil || !found {
		return "", false, err
	}
	if !doc.entry().LiveAt(now) {
		return "", false, nil
	}

	return doc.Value, true, nil
}

// fetch returns the document at path and its ETag.
func (s *DocumentCache) fetch(ctx context.Context, path string) (document, string, bool, error) {
	var doc document
	var etag string
	found := true

	err := execution.RunWithTimeout(ctx, s.opts.timeout, func(ctx context.Context) error {
		output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.bucketName,
			Key:    &path,
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				found = false
				return nil
			}
			return backendError("get cache document", err)
		}
		etag = aws.ToString(output.ETag)
		defer func() {
			if err := output.Body.Close(); err != nil {
				s.logger.Error("failed to close S3 object body", "error", err)
			}
		}()

		if err := json.NewDecoder(output.Body).Decode(&doc); err != nil {
			return backendError("decode cache document", err)
		}
		return nil
	})

	return doc, etag, found && err == nil, err
}

func (s *DocumentCache) Delete(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.deleteObject(ctx, s.objectKey(key))
}

func (s *DocumentCache) deleteObject(ctx context.Context, path string) error {
	return execution.RunWithTimeout(ctx, s.opts.timeout, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &s.bucketName,
			Key:    &path,
		})
		if err != nil {
			return backendError("delete cache document", err)
		}
		return nil
	})
}

// Clear deletes every cache document under the prefix, one batch per page.
func (s *DocumentCache) Clear(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	return s.eachPage(ctx, func(ctx context.Context, paths []string) error {
		return s.deleteBatch(ctx, paths)
	})
}

// DeleteExpired reads every document under the prefix, a page at a time with
// bounded concurrency, and deletes the expired ones. Each delete is
// conditional on the ETag that was read, so a document rewritten during the
// sweep survives. Documents served without an ETag are left to read-time
// filtering.
func (s *DocumentCache) DeleteExpired(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	now := s.opts.clock()
	reclaimer := &batch.Processor[string, bool]{
		MaxConcurrency: batch.DefaultMaxConcurrency,
		Process: func(ctx context.Context, path string) (bool, error) {
			doc, etag, found, err := s.fetch(ctx, path)
			if err != nil || !found || doc.entry().LiveAt(now) || etag == "" {
				return false, err
			}
			return s.deleteIfMatch(ctx, path, etag)
		},
	}

	removed := 0
	err := s.eachPage(ctx, func(ctx context.Context, paths []string) error {
		res := reclaimer.Run(ctx, paths)
		for _, item := range res.Items {
			if item.Result && item.Error == nil {
				removed++
			}
		}
		return res.FirstError()
	})

	return removed, err
}

// deleteIfMatch deletes path only while its ETag is still etag. It reports
// false when the object changed or vanished in the meantime.
func (s *DocumentCache) deleteIfMatch(ctx context.Context, path, etag string) (bool, error) {
	return execution.WithTimeout(ctx, s.opts.timeout, func(ctx context.Context) (bool, error) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:  &s.bucketName,
			Key:     &path,
			IfMatch: &etag,
		})
		if err == nil {
			return true, nil
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "NoSuchKey":
				s.logger.Debug("skipped reclaiming changed document", "path", path)
				return false, nil
			}
		}
		return false, backendError("delete expired cache document", err)
	})
}

func (s *DocumentCache) eachPage(ctx context.Context, fn func(ctx context.Context, paths []string) error) error {
	listPrefix := s.keyPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucketName,
		Prefix: &listPrefix,
	})

	for paginator.HasMorePages() {
		page, err := execution.WithTimeout(ctx, s.opts.timeout, func(ctx context.Context) (*s3.ListObjectsV2Output, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return backendError("list cache documents", err)
		}

		paths := make([]string, 0, len(page.Contents))
		for _, obj := range page.Contents {
			if obj.Key != nil {
				paths = append(paths, *obj.Key)
			}
		}
		if err := fn(ctx, paths); err != nil {
			return err
		}
	}

	return nil
}

func (s *DocumentCache) deleteBatch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	ids := make([]types.ObjectIdentifier, 0, len(paths))
	for _, path := range paths {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(path)})
	}

	return execution.RunWithTimeout(ctx, s.opts.timeout, func(ctx context.Context) error {
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucketName,
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return backendError("delete cache documents", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return backendError("delete cache documents",
				fmt.Errorf("%d objects not deleted, first %s: %s",
					len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message)))
		}
		return nil
	})
}

func (s *DocumentCache) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	err := execution.RunWithTimeout(ctx, s.opts.timeout, func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: &s.bucketName,
		})
		return err
	})
	if err != nil {
		s.logger.Error("S3 health check failed", "error", err)
		return backendError("head bucket", err)
	}
	return nil
}

// Close marks the handle closed. The S3 client holds no connection of its own.
func (s *DocumentCache) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *DocumentCache) keyPrefix() string {
	if s.prefix == "" {
		return encodedKeyPrefix
	}
	return s.prefix + "/" + encodedKeyPrefix
}

func (s *DocumentCache) objectKey(key string) string {
	name := encodeKey(key) + ".json"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *DocumentCache) ready() error {
	if s.closed.Load() {
		return cache.ErrNotConnected
	}
	return nil
}

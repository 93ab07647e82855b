package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/warptools/warpstore/wsapi"
)

// Object metadata keys. The value bytes are the object body.
const (
	s3MetaTouchedAt      = "touched-at"
	s3MetaCacheReference = "cache-reference"
)

type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	sem      *semaphore.Weighted
}

// OpenS3 connects to the configured bucket and checks that it is reachable.
//
// Errors:
//
//   - warpstore-error-backend -- when the configuration can't be loaded or the bucket can't be accessed
func OpenS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			})))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wsapi.ErrorBackend("s3", "load config", false, err)
	}
	client := s3.NewFromConfig(awsCfg)

	// make sure we can access the specified bucket
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, s3Error("head bucket "+cfg.Bucket, err)
	}

	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 16
	}
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(limit),
	}, nil
}

func s3Retryable(err error) bool {
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) {
		code := responseError.HTTPStatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func s3Error(context string, err error) error {
	return wsapi.ErrorBackend("s3", context, s3Retryable(err), err)
}

func isNotFound(err error) bool {
	var responseError *awshttp.ResponseError
	return errors.As(err, &responseError) && responseError.HTTPStatusCode() == http.StatusNotFound
}

func (s *S3) objectKey(key string) string {
	if s.cfg.Path != nil {
		return path.Join(*s.cfg.Path, key)
	}
	return key
}

func (s *S3) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return wsapi.ErrorBackend("s3", "acquire request slot", false, err)
	}
	return nil
}

func entryFromMetadata(key string, meta map[string]string) (*Entry, error) {
	e := &Entry{}
	if v, ok := meta[s3MetaTouchedAt]; ok {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, wsapi.ErrorCorruption("touched_at", key)
		}
		e.TouchedAt = t
	}
	if v, ok := meta[s3MetaCacheReference]; ok {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, wsapi.ErrorCorruption("cache reference", key)
		}
		r, err := wsapi.DecodeCacheReference(b)
		if err != nil {
			return nil, wsapi.ErrorCorruption("cache reference", key)
		}
		e.CacheReference = &r
	}
	return e, nil
}

func (s *S3) head(ctx context.Context, key string) (*Entry, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s3Error("head "+key, err)
	}
	return entryFromMetadata(key, out.Metadata)
}

func (s *S3) TryGet(ctx context.Context, key string) (*Entry, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, s3Error("get "+key, err)
	}
	defer out.Body.Close()
	e, err := entryFromMetadata(key, out.Metadata)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s3Error("read "+key, err)
	}
	if e.CacheReference == nil || len(body) > 0 {
		e.Bytes = body
	}
	return e, nil
}

func (s *S3) TryGetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	out := make([]*Entry, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			e, err := s.TryGet(ctx, k)
			out[i] = e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put rewrites the object only when it is absent or the new touched_at is later.
// S3 has no conditional metadata update, so a touch costs a full rewrite.
func (s *S3) Put(ctx context.Context, key string, e Entry) error {
	old, err := s.head(ctx, key)
	if err != nil {
		return err
	}
	if old != nil {
		if old.TouchedAt >= e.TouchedAt && (e.CacheReference == nil || old.CacheReference != nil) {
			return nil
		}
		if e.Bytes == nil && old.CacheReference == nil {
			full, err := s.TryGet(ctx, key)
			if err != nil {
				return err
			}
			if full != nil {
				e.Bytes = full.Bytes
			}
		}
		if e.CacheReference == nil {
			e.CacheReference = old.CacheReference
		}
		if old.TouchedAt > e.TouchedAt {
			e.TouchedAt = old.TouchedAt
		}
	}
	meta := map[string]string{
		s3MetaTouchedAt: strconv.FormatInt(e.TouchedAt, 10),
	}
	if e.CacheReference != nil {
		ref, err := e.CacheReference.Encode()
		if err != nil {
			return err
		}
		meta[s3MetaCacheReference] = base64.StdEncoding.EncodeToString(ref)
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.sem.Release(1)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(s.objectKey(key)),
		Body:     bytes.NewReader(e.Bytes),
		Metadata: meta,
	})
	if err != nil {
		return s3Error("put "+key, err)
	}
	return nil
}

func (s *S3) PutBatch(ctx context.Context, keys []string, entries []Entry) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			return s.Put(ctx, k, entries[i])
		})
	}
	return g.Wait()
}

// Delete checks touched_at with a HEAD and then deletes. The window between the
// two requests is not closed; a toucher that lands in it loses its touch.
func (s *S3) Delete(ctx context.Context, key string, now int64, ttl time.Duration) (bool, error) {
	e, err := s.head(ctx, key)
	if err != nil || e == nil {
		return false, err
	}
	if !expired(now, e.TouchedAt, ttl) {
		return false, nil
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.sem.Release(1)
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return false, s3Error("delete "+key, err)
	}
	return true, nil
}

func (s *S3) Flush(ctx context.Context) error { return nil }

func (s *S3) Close() error { return nil }

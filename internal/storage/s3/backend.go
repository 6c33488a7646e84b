package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/fscache/internal/circuit"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/retry"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

const (
	// Scheme is the URL scheme served by this backend.
	Scheme = "s3"

	// MinPartSize is the smallest part S3 accepts, except for the last one.
	MinPartSize = 5 << 20

	// MaxParts is the largest part number S3 accepts.
	MaxParts = 10000
)

// API is the subset of the S3 client used by the backend. *s3.Client
// implements it.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Backend serves the objects of one bucket. Every request runs under the
// retry policy and, when enabled, the circuit breaker.
type Backend struct {
	client  API
	bucket  string
	config  *Config
	retryer *retry.Retryer
	breaker *circuit.Breaker
	metrics *MetricsCollector
	uploads *MultipartStateManager
	logger  *slog.Logger
}

// NewBackend creates a backend for bucket using the default AWS credential
// chain, or the static keys in cfg when set.
func NewBackend(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// retries are handled by the backend's own retry policy
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to load AWS config").WithComponent("s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewWithClient(bucket, client, cfg, logger)
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(bucket string, client API, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.MinPartSize == 0 {
		cfg.MinPartSize = MinPartSize
	}
	logger = utils.OrDefault(logger).With("component", "s3-backend", "bucket", bucket)

	b := &Backend{
		client:  client,
		bucket:  bucket,
		config:  cfg,
		metrics: NewMetricsCollector(),
		uploads: NewMultipartStateManager(),
		logger:  logger,
	}

	rc := cfg.Retry
	userRetry := rc.OnRetry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.metrics.RecordRetry()
		b.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "error", err)
		if userRetry != nil {
			userRetry(attempt, err, delay)
		}
	}
	b.retryer = retry.New(rc)

	if cfg.CircuitBreakerEnabled {
		bc := cfg.CircuitBreaker
		if bc.Logger == nil {
			bc.Logger = logger
		}
		b.breaker = circuit.New(Scheme+"://"+bucket, bc)
	}
	return b, nil
}

// Scheme implements types.Backend.
func (b *Backend) Scheme() string { return Scheme }

// Capabilities implements types.Backend.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		Writable:    true,
		Multipart:   true,
		MinPartSize: b.config.MinPartSize,
		Sequential:  true,
	}
}

// Bucket returns the bucket name.
func (b *Backend) Bucket() string { return b.bucket }

// URL returns the stable identity of key, "s3://bucket/key".
func (b *Backend) URL(key string) string {
	return Scheme + "://" + b.bucket + "/" + key
}

// Breaker returns the circuit breaker, or nil when disabled.
func (b *Backend) Breaker() *circuit.Breaker { return b.breaker }

// GetMetrics returns current backend metrics
func (b *Backend) GetMetrics() BackendMetrics {
	return b.metrics.GetMetrics()
}

// PendingUploads returns the multipart uploads neither completed nor aborted.
func (b *Backend) PendingUploads() []MultipartUploadState {
	return b.uploads.GetInProgressUploads()
}

// call runs fn under the breaker and retry policy and records metrics.
// SDK errors are translated before the retry policy sees them.
func (b *Backend) call(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := func(ctx context.Context) error {
		return b.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			if b.config.RequestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, b.config.RequestTimeout)
				defer cancel()
			}
			return b.translateError(fn(ctx), op, key)
		})
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	b.metrics.RecordRequest(time.Since(start), err)
	if err != nil {
		b.logger.Debug("request failed", "operation", op, "key", key, "error", err)
	}
	return err
}

// Info implements types.Backend with a HeadObject request.
func (b *Backend) Info(ctx context.Context, key string) (*types.ObjectInfo, error) {
	var result *s3.HeadObjectOutput
	err := b.call(ctx, "HeadObject", key, func(ctx context.Context) error {
		var err error
		result, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}
	return info, nil
}

// Source implements types.Backend. Ranged reads are conditional on the
// ETag seen here, so a replaced object fails with CONCURRENT_MODIFICATION
// instead of mixing old and new bytes.
func (b *Backend) Source(ctx context.Context, key string) (types.ByteSource, error) {
	info, err := b.Info(ctx, key)
	if err != nil {
		return nil, err
	}
	return &source{backend: b, key: key, size: info.Size, etag: info.ETag}, nil
}

// getRange fetches the inclusive byte range [first, last] of key.
func (b *Backend) getRange(ctx context.Context, key string, first, last int64, etag string) ([]byte, error) {
	var data []byte
	err := b.call(ctx, "GetObject", key, func(ctx context.Context) error {
		input := &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
		}
		if etag != "" {
			input.IfMatch = aws.String(etag)
		}
		result, err := b.client.GetObject(ctx, input)
		if err != nil {
			return err
		}
		defer result.Body.Close()

		data, err = io.ReadAll(result.Body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeSourceUnavailable, "failed to read object body").
				WithComponent("s3")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordBytesDownloaded(int64(len(data)))
	return data, nil
}

// PutObject implements types.Backend.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	err := b.call(ctx, "PutObject", key, func(ctx context.Context) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(detectContentType(key)),
		})
		return err
	})
	if err != nil {
		return err
	}
	b.metrics.RecordBytesUploaded(int64(len(data)))
	b.logger.Debug("object stored", "key", key, "size", len(data))
	return nil
}

// Delete implements types.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.call(ctx, "DeleteObject", key, func(ctx context.Context) error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// CreateMultipart implements types.MultipartBackend.
func (b *Backend) CreateMultipart(ctx context.Context, key string) (string, error) {
	var uploadID string
	err := b.call(ctx, "CreateMultipartUpload", key, func(ctx context.Context) error {
		result, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(detectContentType(key)),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(result.UploadId)
		return nil
	})
	if err != nil {
		return "", err
	}

	b.uploads.CleanupOldUploads(time.Hour)
	b.uploads.TrackUpload(NewMultipartUploadState(uploadID, b.bucket, key))
	b.metrics.RecordMultipartUploadStart()
	b.logger.Debug("multipart upload created", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

// UploadPart implements types.MultipartBackend.
func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	if partNumber < 1 || partNumber > MaxParts {
		return "", errors.Newf(errors.ErrCodeTooLarge, "part number %d outside 1..%d", partNumber, MaxParts).
			WithComponent("s3").
			WithDetail("upload_id", uploadID)
	}

	var etag string
	err := b.call(ctx, "UploadPart", key, func(ctx context.Context) error {
		result, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(int32(partNumber)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(result.ETag)
		return nil
	})
	b.uploads.UpdatePartStatus(uploadID, partNumber, int64(len(data)), etag, err)
	if err != nil {
		return "", err
	}
	b.metrics.RecordMultipartUploadPart(int64(len(data)))
	b.metrics.RecordBytesUploaded(int64(len(data)))
	return etag, nil
}

// CompleteMultipart implements types.MultipartBackend.
func (b *Backend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	err := b.call(ctx, "CompleteMultipartUpload", key, func(ctx context.Context) error {
		_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(b.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
	if err != nil {
		b.uploads.MarkUploadFailed(uploadID)
		b.metrics.RecordMultipartUploadFailed()
		return err
	}
	b.uploads.MarkUploadCompleted(uploadID)
	b.metrics.RecordMultipartUploadComplete()
	b.logger.Debug("multipart upload completed", "key", key, "upload_id", uploadID, "parts", len(parts))
	return nil
}

// AbortMultipart implements types.MultipartBackend.
func (b *Backend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	err := b.call(ctx, "AbortMultipartUpload", key, func(ctx context.Context) error {
		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return err
	})
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	b.uploads.MarkUploadAborted(uploadID)
	return nil
}

// translateError maps SDK errors onto the error taxonomy. Context errors
// pass through so callers can tell cancellation apart.
func (b *Backend) translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return err
	}
	var coded *errors.Error
	if stderr.As(err, &coded) {
		return err
	}

	code := errors.ErrCodeSourceUnavailable
	var apiErr smithy.APIError
	var status interface{ HTTPStatusCode() int }
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err),
		isErrorType[*s3types.NoSuchBucket](err), isErrorType[*s3types.NoSuchUpload](err):
		code = errors.ErrCodeNotFound
	case stderr.As(err, &apiErr) && apiCode(apiErr.ErrorCode()) != "":
		code = apiCode(apiErr.ErrorCode())
	case stderr.As(err, &status):
		code = statusCode(status.HTTPStatusCode())
	}

	return errors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("s3").
		WithOperation(operation).
		WithContext("bucket", b.bucket).
		WithContext("key", key)
}

func apiCode(code string) errors.ErrorCode {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchUpload":
		return errors.ErrCodeNotFound
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return errors.ErrCodePermissionDenied
	case "PreconditionFailed":
		return errors.ErrCodeConcurrentModification
	case "InvalidRange":
		return errors.ErrCodeOutOfRange
	case "EntityTooLarge":
		return errors.ErrCodeTooLarge
	case "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
		return errors.ErrCodeIncompleteUpload
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return errors.ErrCodeSourceUnavailable
	}
	return ""
}

func statusCode(status int) errors.ErrorCode {
	switch {
	case status == 404:
		return errors.ErrCodeNotFound
	case status == 401 || status == 403:
		return errors.ErrCodePermissionDenied
	case status == 412:
		return errors.ErrCodeConcurrentModification
	case status == 416:
		return errors.ErrCodeOutOfRange
	case status == 408 || status == 429 || status >= 500:
		return errors.ErrCodeSourceUnavailable
	default:
		return errors.ErrCodeInternalError
	}
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"), strings.HasSuffix(key, ".csv"):
		return "text/plain"
	case strings.HasSuffix(key, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

// source is a ByteSource over one object version.
type source struct {
	backend *Backend
	key     string
	size    int64
	etag    string
}

func (s *source) Identity() string { return s.backend.URL(s.key) }

func (s *source) Size(ctx context.Context) (int64, error) { return s.size, nil }

// VersionToken asks S3 again, so it reports changes made after Source.
func (s *source) VersionToken(ctx context.Context) (string, error) {
	info, err := s.backend.Info(ctx, s.key)
	if err != nil {
		return "", err
	}
	return info.VersionToken(), nil
}

func (s *source) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "invalid range offset=%d length=%d", offset, length).
			WithComponent("s3")
	}
	if length == 0 || offset >= s.size {
		return []byte{}, nil
	}
	last := min(offset+length, s.size) - 1
	return s.backend.getRange(ctx, s.key, offset, last, s.etag)
}
